// 版权所有 2026 GenFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开缓存慢层依赖的外部存储：持久层的 GORM 连接
与 Redis 层、批次快照共用的 Redis 客户端。

# 核心类型

  - Open：按驱动名选择 GORM 方言（postgres、mysql、sqlite）并建立连接。
  - PoolManager：连接池管理器，配置连接数上限与生命周期，后台定时
    探活，并把连接数写入 StatsRecorder。
  - OpenRedis：创建 Redis 客户端并在返回前 Ping。

sqlite 使用纯 Go 实现的 glebarez/sqlite，无需 CGO。
*/
package database
