// Copyright (c) GenFlow Authors.
// Licensed under the MIT License.

/*
Package engine 把缓存、限流、路由、执行器与批次编排组装为一个显式构造的
引擎实例。进程启动时由 New 构造一次，之后以句柄传给 HTTP 层与 CLI，
不存在包级全局状态，测试可以并行创建互相隔离的实例。

# 组装顺序

  1. 按配置打开 Redis（Redis 层或批次持久化启用时）与持久层数据库；
  2. 构建 memory → redis → durable 分层缓存与后台过期清理；
  3. 构建滑动窗口限流器与后端路由，注册配置中的后端；
  4. 为配置了 base_url 的后端创建 HTTP 生成器，也可通过 WithGenerator 注入；
  5. 构建固定大小的工作池与批次编排器。

Close 按相反顺序释放资源：先等待运行中的批次，再停止清理循环、
等待缓存后写，最后关闭连接。
*/
package engine
