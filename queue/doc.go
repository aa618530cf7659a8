// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package queue 提供规范化 Span 批次的入队与消费。

# 驱动

  - Redis Streams：XADD 写入，默认不裁剪；消费组 XREADGROUP 读取，
    处理成功后 XACK 并 XDEL，失败的消息留在 PEL 中由 XAUTOCLAIM 重新认领
  - NATS JetStream：以批次 ID 作为 Nats-Msg-Id 实现服务端去重；
    流满时拒绝新消息（DiscardNew）；持久化 pull 消费者显式 Ack/Nak

两个驱动都实现 Inspector，Backlog 报告未确认与未投递的消息数，供就绪检查使用。

# 语义

一个摄取请求对应一个 Batch，整体成功或整体失败。发布者不做内部重试，
失败直接返回给调用方。消费端至少一次投递，Handler 需要幂等。
*/
package queue
