// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 SpanFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现 OTLP/HTTP 摄取端点、组织用量查询、订阅更新与健康检查。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - TraceHandler     — POST /v1/traces，application/x-protobuf
  - UsageHandler     — 用量查询与订阅更新（JSON）
  - HealthHandler    — 存活（/health, /healthz）与就绪（/ready, /readyz）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - DependencyCheck  — 就绪检查接口，RedisCheck / DatabaseCheck / QueueCheck
    报告连接状态与队列积压，积压超过阈值时状态为 degraded

# 响应格式

OTLP 端点成功时返回 ExportTraceServiceResponse，失败时返回 google.rpc.Status，
两者均以 protobuf 编码。失败状态码：

  - 400 请求体无法解析或 Content-Type 不符
  - 403 配额不足
  - 413 请求体（或解压后）超过批次上限
  - 500 内部错误，消息不暴露底层原因

JSON 端点使用 WriteSuccess / WriteError，types.ErrorCode 自动映射到 HTTP 状态码。
*/
package handlers
