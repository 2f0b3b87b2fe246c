package engine

import (
	"time"
)

// AdmissionMode 决定顶层任务在并发已满时的行为。
type AdmissionMode string

const (
	// AdmissionReject 立即返回 EngineSaturated。
	AdmissionReject AdmissionMode = "reject"
	// AdmissionBlock 阻塞等待空闲名额，直到 ctx 结束。
	AdmissionBlock AdmissionMode = "block"
)

const (
	defaultMaxSteps           = 16
	defaultMaxDelegationDepth = 4
	defaultMaxConcurrentTasks = 64
	defaultTaskTimeout        = 5 * time.Minute
	defaultMemoryTopK         = 5
)

// Config 描述执行引擎的资源边界。
type Config struct {
	MaxSteps           int
	MaxDelegationDepth int
	MaxConcurrentTasks int64
	TaskTimeout        time.Duration
	Admission          AdmissionMode
	// MemoryTopK 为 0 时使用默认值，小于 0 时关闭记忆检索。
	MemoryTopK int
	// MemoryMinScore 是注入提示词的记忆的最低相似度。
	MemoryMinScore float64
	// SignMemory 为 true 时为写入的记忆记录附加签名。
	SignMemory bool
	Retry      RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.MaxDelegationDepth <= 0 {
		c.MaxDelegationDepth = defaultMaxDelegationDepth
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.Admission != AdmissionBlock {
		c.Admission = AdmissionReject
	}
	if c.MemoryTopK == 0 {
		c.MemoryTopK = defaultMemoryTopK
	}
	c.Retry = c.Retry.withDefaults()
	return c
}
