// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 spanflow 各监听服务的生命周期：非阻塞启动、
优雅关闭与系统信号监听。

# 核心类型

  - Service：可被管理的监听服务，只需 Serve(net.Listener) 与
    Shutdown(ctx)。*http.Server 与 OTLP gRPC 服务器均满足。
  - Manager：持有 Service、net.Listener 与异步错误通道。
  - Config：监听地址、HTTP 超时、关闭超时与可选 *tls.Config。

# 主要能力

  - Start 在后台 goroutine 中提供服务；Config.TLS 非 nil 时
    通过 tlsutil.Listen 包装为 TLS 监听。
  - Shutdown 在 ShutdownTimeout 内排空请求，重复调用无副作用。
  - WaitForShutdown 监听 SIGINT/SIGTERM 或服务异常退出。
  - Addr 在启动后返回实际监听地址（支持 :0 随机端口）。
*/
package server
