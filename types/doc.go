// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 spanflow 各层共享的最小类型集合。

# 概述

types 不依赖任何内部包，供 api、quota、tracing、worker 等模块共用，
避免循环依赖。

# 核心类型

  - Identity          — 调用方身份（组织 / 项目 / 用户 / 角色）
  - Error / ErrorCode — 结构化错误，携带 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithIdentity / IdentityFrom / WithOrganizationID / WithTraceID
  - 错误工具链：NewError / IsRetryable / GetErrorCode
*/
package types
