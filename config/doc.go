// Package config 提供 GenFlow 的配置管理功能。
//
// 包含配置加载、校验与配置文件变更后的重载。
// 优先级为 默认值 → YAML 文件 → 环境变量（前缀 GENFLOW）。
package config
