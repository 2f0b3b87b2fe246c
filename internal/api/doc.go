// Package api 通过 REST 接口暴露任务提交、状态查询、结果获取与签名校验。
// 所有 /api/v1 路由经过可选的令牌认证，/healthz 与 /metrics 始终开放。
package api
