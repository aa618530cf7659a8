// Package config 提供 SpanFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 无前缀别名 → SPANFLOW_ 前缀环境变量 的顺序叠加，
// 由 Config.Validate 统一校验。FileWatcher 轮询配置文件，
// 校验通过后回调新配置，用于运行时替换配额计划目录。
package config
