// Copyright (c) GenFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供生成请求的三级缓存，避免对昂贵后端的重复调用。

# 概述

同一组生成参数在归一化后只应计算一次。KeyCodec 把参数编码为稳定的
缓存键，TieredCache 依次查询进程内 LRU、共享 Redis 与持久化 SQL 表，
慢层命中后异步回填到更快的层。

# 核心类型

  - KeyCodec：参数归一化（小写、去空白、去同义后缀）+ sha256 截断为 16 字节。
  - Tier：单层缓存契约 Get/Set/Delete；Enumerator 与 Sweeper 为可选能力。
  - LRUCache：第一层，双向链表实现 O(1) 淘汰，读时惰性过期。
  - RedisTier：第二层，JSON 信封 + 原生 TTL，SCAN MATCH 枚举。
  - DurableTier：第三层，gorm 表 cache_entries，可配置为仅追加。
  - TieredCache：组合以上各层，统计每层命中、未命中、写入与淘汰。

# 失败语义

慢层不可用时只记录日志与错误计数，不会让请求失败；InvalidatePattern
对无法枚举的层给出 Skipped 报告，而不是静默忽略。

# 使用方式

	codec := cache.NewKeyCodec()
	tc := cache.NewTieredCache(cache.NewLRUCache(1024), []cache.Tier{redisTier}, cfg, logger)
	key := codec.Encode(req.Payload)
	if v, ok := tc.Get(ctx, key); ok {
		// ...
	}
*/
package cache
