// Package tlsutil 集中管理 TLS 配置：Redis 与 health 命令的客户端设置，
// 以及 OTLP/HTTP、OTLP/gRPC 监听端口的服务端设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
