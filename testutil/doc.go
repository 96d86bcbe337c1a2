// Copyright 2026 GenFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package testutil 提供 GenFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel，
    用于等待异步提升、写后缓存和批处理完成
  - 数据工具: MustJSON / MustParseJSON / AssertJSONEqual
  - 请求构造: NewRequest / NewRequests

# 子包

  - testutil/mocks: 可编排的 Generator 模拟实现，支持按后端注入失败、
    调用计数与并发峰值统计
*/
package testutil
