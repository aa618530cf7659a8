/*
Package store 持久化已摄取的 Span。

SpanStore 以 (project_id, trace_id, span_id) 为主键，写入为 upsert，
队列重复投递同一批次不会产生重复行。

提供两种后端：

  - GormSpanStore：PostgreSQL 或 SQLite，嵌套字段以 JSON 列存储
  - MongoSpanStore：MongoDB，属性以原生文档存储，完整 Span 保存在 payload 字段
*/
package store
