// Package agent 描述运行时中的智能体画像：身份、系统提示词、能力访问策略
// 以及记忆检索深度，并负责为每个推理步骤组装系统提示词。
package agent
