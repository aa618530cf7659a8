// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SpanFlow 的数据库 Schema，基于 golang-migrate，
支持 PostgreSQL 与 SQLite。

迁移文件以 embed.FS 内嵌，每个方言一组：

  - 000001_create_quota：meters 与 subscriptions 表
  - 000002_create_spans：spans 表，主键 (project_id, trace_id, span_id)

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info
  - CLI：spanflow migrate 子命令的格式化输出
  - NewMigratorFromConfig：从应用配置创建迁移器
*/
package migration
