// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 grpcapi 提供 OTLP/gRPC Trace 接收端。

TraceService.Export 与 POST /v1/traces 使用同一个摄取服务，错误映射：

  - 请求无法解析         → InvalidArgument
  - 超过批次上限         → ResourceExhausted
  - 配额不足             → PermissionDenied
  - 内部错误（含发布失败）→ Unavailable，按 OTLP 约定可重试

身份来自 metadata 中的 authorization 或 x-api-key，由 UnaryAuthInterceptor 解析。
*/
package grpcapi
