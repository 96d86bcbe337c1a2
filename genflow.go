// Package genflow is the top-level entry point of the generation engine.
//
// Usage:
//
//	cfg := genflow.DefaultConfig()
//	cfg.Router.Backends = []config.BackendConfig{{ID: "sdxl", BaseURL: "https://images.example.com"}}
//
//	eng, err := genflow.New(ctx, cfg, logger)
//	id, err := eng.Submit(ctx, genflow.BatchRequest{Items: items})
//	progress, err := eng.Wait(ctx, id)
//
// This is a thin wrapper around [engine.New]; both produce identical results.
package genflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/config"
	"github.com/BaSui01/genflow/engine"
	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/types"
)

// Engine is the assembled engine handle.
type Engine = engine.Engine

// Option configures the engine created by [New].
type Option = engine.Option

// BatchRequest is a batch submission.
type BatchRequest = batch.Request

// Request is a single generation request.
type Request = types.GenerationRequest

// Result is the outcome of one execution.
type Result = types.GenerationResult

// New builds an engine from cfg. The caller owns the handle and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	return engine.New(ctx, cfg, logger, opts...)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *config.Config {
	return config.DefaultConfig()
}

// Re-export engine options so callers never need to import engine/.

// WithGenerator binds a generator to a configured backend id.
var WithGenerator = engine.WithGenerator

// WithMetrics wires a Prometheus collector.
var WithMetrics = engine.WithMetrics

// WithTracerProvider wires an OpenTelemetry tracer provider.
var WithTracerProvider = engine.WithTracerProvider

// WithRedisClient shares an existing Redis client with the engine.
var WithRedisClient = engine.WithRedisClient

// WithDB shares an existing gorm handle for the durable tier.
var WithDB = engine.WithDB
