// Package pool 提供固定大小的 worker 池，限制生成调用的峰值并发。
package pool
