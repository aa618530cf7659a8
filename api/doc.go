// Package api 汇集 SpanFlow 的对外接口。
//
// # 端点
//
//   - POST /v1/traces           OTLP/HTTP protobuf 摄取（handlers.TraceHandler）
//   - gRPC TraceService/Export  OTLP/gRPC 摄取（grpcapi.Server）
//   - GET  /api/v1/usage        组织当期用量
//   - PUT  /api/v1/subscription 更新组织订阅计划
//   - GET  /health /healthz /ready /version
//
// # Authentication
//
// 摄取与用量端点需要认证，二选一：
//
//	Authorization: Bearer <jwt>
//	Authorization: ApiKey <key>  或  X-API-Key: <key>
//
// JWT 的 organization_id / project_id / user_id 声明解析为调用方身份；
// API Key 按配置映射到固定的组织与项目。
package api
