// Copyright (c) GenFlow Authors.
// Licensed under the MIT License.

/*
Package executor 实现单个生成请求的执行流水线。

流程：计算缓存键 -> 查询分层缓存（命中直接返回，不做限流也不调用后端）
-> 滑动窗口准入 -> 路由选择后端 -> 带超时调用 -> 上报健康度
-> 失败时换下一个后端重试 -> 成功后回填缓存。

相同缓存键的并发未命中通过 singleflight 合并为一次后端调用。
*/
package executor
