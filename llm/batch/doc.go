// 版权所有 2026 GenFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 batch 把一组生成请求作为一个整体调度执行，并对外暴露实时进度。

# 执行策略

按批次大小选择（阈值可配置）：

  - PARALLEL：小批次（默认 ≤3）全部并行
  - GROUPED：中等批次（默认 4–6）按组（默认 3 个）依次执行，组内并行
  - SEQUENTIAL：大批次逐个执行

调用方可以通过 strategy_hint 显式指定策略。所有条目都经由共享的
worker 池执行，峰值并发取策略上限与池大小中的较小值。

# 状态

条目状态机为 PENDING -> PROCESSING -> {COMPLETED | FAILED}，终态不可再变。
批次的聚合状态与百分比由 Derive 从条目状态即时计算，从不单独存储。

# 取消与超时

Cancel 停止提交尚未开始的条目，执行中的条目通过 ctx 在后端调用边界
协作取消；批次截止时间到达后未完成的条目标记为 FAILED（BATCH_TIMEOUT）。

# 持久化

开启 Persist 后，每次状态变化都会把批次快照写入 Store（RedisStore），
进程重启后 GetProgress 可以从 Store 读取历史批次。
*/
package batch
