package executor

import (
	"context"

	"github.com/BaSui01/genflow/types"
)

// Generator 生成后端。实现必须是并发安全的
type Generator interface {
	Generate(ctx context.Context, req *types.GenerationRequest) (*types.Artifact, error)
}

// GeneratorFunc 函数适配器
type GeneratorFunc func(ctx context.Context, req *types.GenerationRequest) (*types.Artifact, error)

// Generate 实现 Generator
func (f GeneratorFunc) Generate(ctx context.Context, req *types.GenerationRequest) (*types.Artifact, error) {
	return f(ctx, req)
}
