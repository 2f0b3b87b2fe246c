// Package engine 实现任务执行引擎：每个智能体一个 Engine，由 Runtime 统一
// 负责准入控制、任务索引与跨智能体委派。
//
// 一个任务的生命周期是一串有界的推理步骤。每一步组装上下文、调用模型网关，
// 得到最终答复（签名、写入记忆、完成）或一次能力调用（校验、带重试地执行、
// 把结果回填为 capability_result 消息）。状态迁移只沿以下边发生：
//
//	pending -> running
//	running -> awaiting_capability | completed | failed
//	awaiting_capability -> running
package engine
