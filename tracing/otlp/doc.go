/*
包 otlp 负责 OTLP/HTTP protobuf 载荷的解码、Span 规范化以及响应编码。

Decoder 在解析前检查批次大小，超限直接返回 ErrBatchTooLarge；
非法 protobuf 返回 *DecodeError。Normalizer 对每个 Span 独立产出结果，
单个 Span 失败不会影响同批次的其他 Span。
*/
package otlp
