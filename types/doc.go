// Copyright (c) GenFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 GenFlow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 cache、router、executor、
batch 等上层模块提供统一的数据契约，以避免循环依赖。

# 核心类型

  - GenerationRequest: 单次生成请求（ID、Payload、优先级、首选后端），提交后不可变
  - Payload          : 生成参数（prompt、尺寸、风格等），由 KeyCodec 归一化为缓存键
  - Artifact         : 后端生成的产物（字节或 URL + 元数据）
  - GenerationResult : 执行结果（使用的后端、是否命中缓存、延迟、产物或错误）
  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、Backend 标记

# 主要能力

  - 错误工具链：NewError / AsError / IsErrorCode / IsRetryable
  - 请求校验：GenerationRequest.Validate 返回 INVALID_REQUEST
*/
package types
