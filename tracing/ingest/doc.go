// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package ingest 串联 OTLP 摄取流水线。

# 流程

	请求体 → 大小检查 → 解压 → 解码 → 规范化 → 软配额 → 指标汇总 → 入队

超过上限的请求体在解码前即被拒绝。规范化失败的 Span 逐个丢弃，
其余 Span 继续处理；全部丢弃时请求仍然成功。软配额检查遇到基础设施
错误时放行。入队失败整体失败，由导出方按 OTLP 重试约定重发。

# 错误

所有请求级失败都以 *Error 返回，Kind 决定对外状态码：

  - KindBadRequest  → 400
  - KindQuotaDenied → 403
  - KindTooLarge    → 413
  - KindInternal    → 500
*/
package ingest
