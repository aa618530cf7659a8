// Package telemetry 初始化 spanflow 自身的 OpenTelemetry SDK，
// 提供集中式的 TracerProvider、MeterProvider 与服务 Tracer。
// 禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
