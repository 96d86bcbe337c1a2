// Copyright 2026 GenFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package image 提供基于 HTTP 的图像生成后端。

HTTPGenerator 调用 OpenAI 兼容的 /v1/images/generations 接口，
实现 executor.Generator。非 2xx 状态映射为结构化错误：
429 与 5xx 可重试，其余 4xx 标记为 INVALID_REQUEST 且不重试。
*/
package image
