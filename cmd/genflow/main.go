// =============================================================================
// GenFlow 主入口
// =============================================================================
// 使用方法:
//
//	genflow serve                              # 启动服务
//	genflow serve --config config.yaml         # 指定配置文件（支持热重载）
//	genflow version                            # 显示版本信息
//	genflow health --addr http://localhost:8080
//	genflow stats --addr http://localhost:8080
//	genflow invalidate --pattern 'gen:*'
// =============================================================================

// @title GenFlow API
// @version 1.0.0
// @description 生成任务的多级缓存与批量编排服务
// @license.name MIT
// @host localhost:8080
// @BasePath /

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/api"
	"github.com/BaSui01/genflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "health":
		return runClient("health", args[1:], stdout, stderr)
	case "stats":
		return runClient("stats", args[1:], stdout, stderr)
	case "invalidate":
		return runClient("invalidate", args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting GenFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, *configPath, logger, level)
	if err := srv.Init(ctx); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		return 1
	}
	logger.Info("GenFlow stopped")
	return 0
}

// =============================================================================
// 🏥 客户端命令
// =============================================================================

func runClient(cmd string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	pattern := fs.String("pattern", "", "Glob pattern (invalidate only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*addr, "/")

	var (
		resp *http.Response
		err  error
	)
	switch cmd {
	case "health":
		resp, err = client.Get(base + "/ready")
	case "stats":
		resp, err = client.Get(base + "/v1/cache/stats")
	case "invalidate":
		if *pattern == "" {
			fmt.Fprintln(stderr, "invalidate requires --pattern")
			return 2
		}
		body, _ := json.Marshal(api.InvalidateRequest{Pattern: *pattern})
		resp, err = client.Post(base+"/v1/cache/invalidate", "application/json", bytes.NewReader(body))
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", cmd, err)
		return 1
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if cmd == "health" && resp.StatusCode == http.StatusOK {
		fmt.Fprintln(stdout, "OK")
		return 0
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		fmt.Fprintf(stderr, "%s failed: status %d\n%s\n", cmd, resp.StatusCode, data)
		return 1
	}
	fmt.Fprintf(stdout, "%s\n", data)
	return 0
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "GenFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `GenFlow - generation cache and batch orchestration

Usage:
  genflow <command> [options]

Commands:
  serve       Start the API and metrics listeners
  version     Show version information
  health      Check a running server (/ready)
  stats       Print cache statistics of a running server
  invalidate  Invalidate cache entries matching --pattern
  help        Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML), watched for changes

Options for client commands:
  --addr <url>      Server address (default http://localhost:8080)
  --timeout <dur>   Request timeout (default 5s)

Examples:
  genflow serve --config /etc/genflow/config.yaml
  genflow stats --addr http://localhost:8080
  genflow invalidate --pattern 'gen:*'`)
}
