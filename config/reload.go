// 配置文件变更重载。
//
// 轮询文件修改时间，变更后重新加载并校验，校验失败时保留旧配置。
package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 配置重载成功后回调
type ReloadCallback func(oldConfig, newConfig *Config)

// Reloader 监听单个配置文件
type Reloader struct {
	mu        sync.RWMutex
	path      string
	envPrefix string
	interval  time.Duration
	current   *Config
	modTime   time.Time
	callbacks []ReloadCallback
	logger    *zap.Logger

	reloads  atomic.Int64
	failures atomic.Int64
}

// NewReloader 创建重载器，interval <= 0 时取 1s
func NewReloader(path string, current *Config, interval time.Duration, logger *zap.Logger) *Reloader {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		path:      path,
		envPrefix: "GENFLOW",
		interval:  interval,
		current:   current,
		logger:    logger.With(zap.String("component", "config_reloader")),
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	} else if os.IsNotExist(err) {
		r.logger.Warn("config file does not exist, will watch for creation", zap.String("path", path))
	}
	return r
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run 按间隔检查文件直到 ctx 取消
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload failed", zap.Error(err))
			}
		}
	}
}

// Check 文件修改时间变化时重载，返回是否生效
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat config file: %w", err)
	}

	r.mu.Lock()
	if !info.ModTime().After(r.modTime) {
		r.mu.Unlock()
		return false, nil
	}
	r.modTime = info.ModTime()
	r.mu.Unlock()

	if err := r.Reload(); err != nil {
		return false, err
	}
	return true, nil
}

// Reload 立即重新加载
func (r *Reloader) Reload() error {
	next, err := NewLoader().
		WithConfigPath(r.path).
		WithEnvPrefix(r.envPrefix).
		WithValidator((*Config).Validate).
		Load()
	if err != nil {
		r.failures.Add(1)
		return err
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.reloads.Add(1)
	r.logger.Info("config reloaded",
		zap.String("path", r.path),
		zap.Strings("changed_sections", ChangedSections(prev, next)))

	for _, cb := range callbacks {
		cb(prev, next)
	}
	return nil
}

// Reloads 成功与失败次数
func (r *Reloader) Reloads() (ok, failed int64) {
	return r.reloads.Load(), r.failures.Load()
}

// ChangedSections 返回两份配置中不同的顶层段名
func ChangedSections(a, b *Config) []string {
	if a == nil || b == nil {
		return nil
	}
	va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
	t := va.Type()

	var changed []string
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			changed = append(changed, t.Field(i).Tag.Get("yaml"))
		}
	}
	return changed
}
