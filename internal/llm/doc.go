// Package llm 定义推理后端的统一契约 Gateway。
//
// Gateway 是无状态的：每个推理步骤都会发送完整的上下文消息，并得到
// 最终答复或一次能力调用两者之一。具体的提供方适配器位于子包中。
package llm
