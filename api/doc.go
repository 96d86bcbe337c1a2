// Package api GenFlow HTTP API 的请求/响应结构。
//
// # API Overview
//
// GenFlow 对外提供批量生成与缓存管理接口：
//   - POST   /v1/batches              提交批次，立即返回 batch_id
//   - GET    /v1/batches/{id}         批次快照与进度
//   - GET    /v1/batches/{id}/results 各条目结果
//   - DELETE /v1/batches/{id}         取消批次
//   - POST   /v1/generations          同步执行单个请求
//   - GET    /v1/cache/stats          缓存统计
//   - POST   /v1/cache/invalidate     按 glob 模式失效缓存
//   - GET    /v1/backends             后端描述符
//   - POST   /v1/backends/reset       解除全部冷却
//   - GET    /health, /ready          健康检查
//
// 所有 JSON 响应使用 handlers.Response 统一包裹：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//
// # Base URL
//
//	http://localhost:8080
package api
