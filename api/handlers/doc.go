// Copyright (c) GenFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 GenFlow HTTP API 的请求处理器实现。

# 核心类型

  - BatchHandler     : 批次提交、查询、结果与取消
  - GenerationHandler: 同步执行单个生成请求
  - CacheHandler     : 缓存统计与按模式失效
  - BackendHandler   : 后端描述符列表与冷却重置
  - HealthHandler    : /health、/ready 与可插拔 HealthCheck
  - Response         : 统一 JSON 响应结构（success + data + error + timestamp）

处理器只依赖小接口（BatchService、CacheService 等），engine.Engine 满足全部接口。
路径参数通过 chi.URLParam 读取，路由注册见 api/routes。
*/
package handlers
