// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 span 定义摄取管道内部使用的规范化 Span 模型。

# 核心类型

  - Span：规范化 Span，包含 trace/span/parent 标识、时间、状态、属性、事件与链接。
  - Value：递归 JSON 值（null、bool、int、float、string、array、map）。
  - Attributes：保持插入顺序的属性映射，支持点分路径读写。
  - Metrics：成本与 token 指标，供指标汇总使用。

属性中的点分键（如 metrics.costs.marginal）在规范化阶段展开为嵌套对象，
Path/SetPath 按同样的路径访问。
*/
package span
