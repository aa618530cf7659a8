// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 spanflow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免各包重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext，自动注册 Cleanup 防止泄漏
  - 断言工具: AssertSpanIDs
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 数据工具: FindSpan

# 子包

  - testutil/mocks: RecordingPublisher（记录入队批次）、
    StaticChecker（固定结果的配额检查），均支持错误注入
  - testutil/fixtures: OTLP 请求构造，提供固定 ID 的根/子 Span 与
    成本、token 属性

# 使用示例

	pub := mocks.NewRecordingPublisher()
	body := fixtures.RootAndChild()
	res, err := svc.Ingest(ctx, ingest.Request{Body: body, Identity: id})
*/
package testutil
