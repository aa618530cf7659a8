/*
Package worker 实现持久化 Worker。

Worker 从摄取队列消费批次，对每个批次：

 1. 以根 Span 数为增量执行硬配额检查（直连数据库，不走缓存）
 2. 超额时记录警告并确认消息，批次被丢弃
 3. 否则写入 Span 存储，失败时指数退避重试，重试耗尽后交由队列重投

硬检查在每次投递时执行一次。存储写入在单次投递内重试，
因此只有重试耗尽后的重投才会再次计量。
*/
package worker
