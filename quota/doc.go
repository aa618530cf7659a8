// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 quota 提供按组织计量的配额检查。

# 两层检查

  - 软检查（useCache=true）：在摄取请求路径上执行，只读写 Redis 缓存。
    冷缓存时读取一次持久层并写入一次缓存，从不写持久层；
    基础设施故障时由 Gate 放行。
  - 硬检查（useCache=false）：在持久化 Worker 中执行，对 meters 表执行
    单条 INSERT ... ON CONFLICT DO UPDATE ... WHERE ... RETURNING 语句，
    并发调用下不会超出上限。

# 计费周期

按月计量项的周期由 PeriodFor 根据订阅的 anchor day 计算；
资源上限类计量项的 year/month 固定为 0。
*/
package quota
