package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"AgentChain/internal/capability"
	"AgentChain/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
//
// 脚本从标准输入读取一个 JSON 请求，向标准输出写出一个 JSON 响应：
//
//	{"final_answer": "..."} 或 {"invocation": {"id": "...", "name": "...", "arguments": {...}}}
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeRequest struct {
	AgentID      string                  `json:"agent_id"`
	Messages     []llm.Message           `json:"messages"`
	Capabilities []capability.Descriptor `json:"capabilities"`
	Timestamp    int64                   `json:"timestamp"`
}

type bridgeResponse struct {
	FinalAnswer string                 `json:"final_answer"`
	Invocation  *capability.Invocation `json:"invocation"`
	Thought     string                 `json:"thought"`
	Usage       llm.Usage              `json:"usage"`
}

// Complete 调用外部脚本，并解析输出。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		AgentID:      req.AgentID,
		Messages:     req.Messages,
		Capabilities: req.Capabilities,
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		return nil, llm.Failure(err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		detail := fmt.Sprintf("执行 Python 脚本失败, stderr=%s", strings.TrimSpace(stderr.String()))
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, llm.Transient(ctxErr, detail)
			}
			return nil, ctxErr
		}
		return nil, llm.Failure(err, detail)
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, llm.Failure(err, "解析 Python 输出失败")
	}
	if resp.Invocation != nil && resp.Invocation.Arguments == nil {
		resp.Invocation.Arguments = map[string]any{}
	}

	return &llm.Response{
		FinalAnswer: strings.TrimSpace(resp.FinalAnswer),
		Invocation:  resp.Invocation,
		Thought:     resp.Thought,
		Usage:       resp.Usage,
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
