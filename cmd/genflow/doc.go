// Copyright (c) GenFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 GenFlow 服务端程序入口。

# 子命令

  - serve       启动 API 与 Metrics 两个监听器，支持配置文件热重载
  - version     显示构建信息
  - health      请求运行中服务的 /ready
  - stats       打印运行中服务的缓存统计
  - invalidate  按 glob 模式失效运行中服务的缓存

# 中间件链

Recovery → RequestID → SecurityHeaders → Tracing → Metrics → RequestLogger → ClientRateLimiter。
Tracing 与 Metrics 使用 chi 的路由模板作为标签。
*/
package main
