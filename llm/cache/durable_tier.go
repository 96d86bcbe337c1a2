package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TierDurable 第三层名称
const TierDurable = "durable"

// DefaultDurableTable 默认表名
const DefaultDurableTable = "cache_entries"

// DurableTierConfig 持久层配置
type DurableTierConfig struct {
	Table       string `yaml:"table" json:"table"`
	AppendOnly  bool   `yaml:"append_only" json:"append_only"`   // 仅追加：不覆盖、不删除、不枚举
	AutoMigrate bool   `yaml:"auto_migrate" json:"auto_migrate"` // 启动时建表
}

// durableRow cache_entries 表结构
type durableRow struct {
	CacheKey  string     `gorm:"column:cache_key;primaryKey;size:191"`
	Value     []byte     `gorm:"column:value"`
	SizeBytes int        `gorm:"column:size_bytes"`
	HitCount  int64      `gorm:"column:hit_count"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
}

// DurableTier 基于 gorm 的持久化冷缓存层
type DurableTier struct {
	db     *gorm.DB
	cfg    DurableTierConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewDurableTier 创建持久层；AutoMigrate 为 true 时自动建表
func NewDurableTier(db *gorm.DB, cfg DurableTierConfig, logger *zap.Logger) (*DurableTier, error) {
	if db == nil {
		return nil, errors.New("durable tier: db is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Table == "" {
		cfg.Table = DefaultDurableTable
	}

	t := &DurableTier{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("component", "cache_durable_tier")),
	}

	if cfg.AutoMigrate {
		if err := db.Table(cfg.Table).AutoMigrate(&durableRow{}); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", cfg.Table, err)
		}
	}

	t.logger.Info("durable cache tier ready",
		zap.String("table", cfg.Table),
		zap.Bool("append_only", cfg.AppendOnly))
	return t, nil
}

// Name 实现 Tier
func (t *DurableTier) Name() string { return TierDurable }

func (t *DurableTier) table(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Table(t.cfg.Table)
}

// Get 实现 Tier
func (t *DurableTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var row durableRow
	err := t.table(ctx).Where("cache_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("durable get %s: %w", key, err)
	}

	entry := row.toEntry()
	if entry.Expired(t.now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

// Set 实现 Tier。普通模式覆盖写，仅追加模式下已存在的键保持不变
func (t *DurableTier) Set(ctx context.Context, entry *Entry) error {
	row := newDurableRow(entry)

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		UpdateAll: true,
	}
	if t.cfg.AppendOnly {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoNothing: true,
		}
	}

	if err := t.table(ctx).Clauses(onConflict).Create(&row).Error; err != nil {
		return fmt.Errorf("durable set %s: %w", entry.Key, err)
	}
	return nil
}

// Delete 实现 Tier
func (t *DurableTier) Delete(ctx context.Context, key string) error {
	if t.cfg.AppendOnly {
		return ErrAppendOnly
	}
	if err := t.table(ctx).Where("cache_key = ?", key).Delete(&durableRow{}).Error; err != nil {
		return fmt.Errorf("durable delete %s: %w", key, err)
	}
	return nil
}

// ListKeys 实现 Enumerator，glob 转换为 LIKE
func (t *DurableTier) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	if t.cfg.AppendOnly {
		return nil, ErrNotEnumerable
	}
	var keys []string
	err := t.table(ctx).
		Where("cache_key LIKE ? ESCAPE '!'", globToLike(pattern)).
		Pluck("cache_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("durable list %q: %w", pattern, err)
	}
	return keys, nil
}

// Sweep 实现 Sweeper
func (t *DurableTier) Sweep(ctx context.Context, now time.Time) (int, error) {
	if t.cfg.AppendOnly {
		return 0, nil
	}
	res := t.table(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Delete(&durableRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("durable sweep: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func newDurableRow(e *Entry) durableRow {
	row := durableRow{
		CacheKey:  e.Key,
		Value:     append([]byte(nil), e.Value...),
		SizeBytes: e.SizeBytes,
		HitCount:  e.HitCount,
		CreatedAt: e.CreatedAt.UTC(),
	}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt.UTC()
		row.ExpiresAt = &exp
	}
	return row
}

func (r durableRow) toEntry() *Entry {
	e := &Entry{
		Key:       r.CacheKey,
		Value:     r.Value,
		SizeBytes: r.SizeBytes,
		HitCount:  r.HitCount,
		CreatedAt: r.CreatedAt,
	}
	if r.ExpiresAt != nil {
		e.ExpiresAt = *r.ExpiresAt
	}
	return e
}

// globToLike 把 * 与 ? 转为 % 与 _，其余 LIKE 元字符用 ! 转义
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '!':
			b.WriteByte('!')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
