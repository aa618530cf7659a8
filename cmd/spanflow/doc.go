// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 spanflow 可执行入口。

# 概述

spanflow serve 启动摄取服务：OTLP/HTTP（/v1/traces）、OTLP/gRPC
TraceService 与独立的 Prometheus 指标端口。spanflow worker 消费摄取
队列，执行硬配额检查后写入 Span 存储。两者读取同一份 YAML 配置，
并可由 SPANFLOW_ 前缀的环境变量覆盖。

# 核心类型

  - Server：摄取服务，管理 HTTP、gRPC、Metrics 三个监听及优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、worker、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、Authenticate、OrgRateLimiter
  - 计划目录热更新：配置文件变更后替换配额服务的计划目录
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
