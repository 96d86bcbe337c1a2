// 版权所有 2026 GenFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖
HTTP、缓存、后端路由、生成执行、批次编排与数据库六个维度。

# 概述

Collector 同时实现 cache.Observer、router.Observer、executor.Observer
与 batch.Observer，组件通过 WithObserver 选项接入即可，无需感知
Prometheus。所有指标按 namespace 隔离，注册到调用方传入的
prometheus.Registerer，为 nil 时使用默认注册表。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 缓存指标：按层级的命中、未命中、写入、淘汰与层级错误计数。
  - 路由指标：按后端的调用次数、调用耗时与冷却次数。
  - 执行指标：按结果分类的执行次数与耗时。
  - 批次指标：提交数、条目数、运行中批次 Gauge、完成耗时与条目终态计数。
  - 数据库指标：打开/空闲连接数 Gauge。
*/
package metrics
