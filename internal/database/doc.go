// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 打开配额与 Span 存储共用的 GORM 连接，并管理其连接池。

# 核心类型

  - Open：按 config.DatabaseConfig 选择 postgres 或纯 Go 的 sqlite 驱动。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、GetStats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔，
    可由 PoolConfigFrom 从数据库配置派生。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 指标：WithMetrics 后每次探活上报耗时与连接数到 Prometheus。
  - 就绪探针：Ping 供 /ready 检查使用。
*/
package database
