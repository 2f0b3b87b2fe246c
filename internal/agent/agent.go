package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/knowledge"
	"AgentChain/internal/memory"
)

// defaultMemoryDepth 是推理时注入的记忆条数的默认值。
const defaultMemoryDepth = 5

// CodeUnknownAgent 表示目标智能体未注册。
const CodeUnknownAgent xerrors.Code = "UNKNOWN_AGENT"

func init() {
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{
		Message:   "agent not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Profile 是一个智能体的静态配置。
type Profile struct {
	ID           string            `json:"id" yaml:"id"`
	Description  string            `json:"description,omitempty" yaml:"description"`
	SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Policy       capability.Policy `json:"policy,omitempty" yaml:"policy"`
	MemoryDepth  int               `json:"memory_depth,omitempty" yaml:"memory_depth"`
	// Knowledge 为 true 时按输入检索知识库并注入提示词。
	Knowledge bool `json:"knowledge,omitempty" yaml:"knowledge"`
}

// Normalize 填充默认值并校验必填字段。
func (p Profile) Normalize(defaultDepth int) (Profile, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return Profile{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if p.MemoryDepth <= 0 {
		p.MemoryDepth = defaultDepth
	}
	if p.MemoryDepth <= 0 {
		p.MemoryDepth = defaultMemoryDepth
	}
	return p, nil
}

// Directory 保存已注册的智能体画像，可并发读取。
type Directory struct {
	mu           sync.RWMutex
	defaultDepth int
	profiles     map[string]Profile
}

// NewDirectory 创建画像目录，ID 重复时返回错误。
func NewDirectory(defaultDepth int, profiles ...Profile) (*Directory, error) {
	dir := &Directory{defaultDepth: defaultDepth, profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if _, err := dir.Add(p); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// Add 规范化并登记画像，返回填充默认值后的画像。
func (d *Directory) Add(p Profile) (Profile, error) {
	normalized, err := p.Normalize(d.defaultDepth)
	if err != nil {
		return Profile{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.profiles[normalized.ID]; exists {
		return Profile{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 重复定义", normalized.ID))
	}
	d.profiles[normalized.ID] = normalized
	return normalized, nil
}

// Get 返回智能体画像。
func (d *Directory) Get(id string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[strings.TrimSpace(id)]
	if !ok {
		return Profile{}, xerrors.New(CodeUnknownAgent, fmt.Sprintf("未注册的智能体: %q", id))
	}
	return p, nil
}

// IDs 返回排序后的智能体 ID 列表。
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.profiles))
	for id := range d.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Prompter 为每个推理步骤组装系统提示词。
type Prompter struct {
	knowledge      knowledge.Provider
	knowledgeLimit int
}

// NewPrompter 创建提示词组装器，knowledge 可以为 nil。
func NewPrompter(provider knowledge.Provider, knowledgeLimit int) *Prompter {
	return &Prompter{knowledge: provider, knowledgeLimit: knowledgeLimit}
}

// SystemPrompt 拼接画像提示词、记忆检索结果与知识库片段。
func (p *Prompter) SystemPrompt(profile Profile, input string, recalled []memory.Scored) string {
	prompt := strings.TrimSpace(profile.SystemPrompt)
	if prompt == "" {
		prompt = fmt.Sprintf("You are agent %q.", profile.ID)
		if profile.Description != "" {
			prompt += " " + strings.TrimSpace(profile.Description)
		}
	}
	prompt = appendSection(prompt, "## 相关记忆", recallLines(recalled))
	if p != nil && p.knowledge != nil && profile.Knowledge {
		prompt = appendSection(prompt, "## 知识库", knowledgeLines(p.knowledge.Query(input, p.knowledgeLimit)))
	}
	return prompt
}

func recallLines(recalled []memory.Scored) []string {
	lines := make([]string, 0, len(recalled))
	for idx, item := range recalled {
		content := truncate(item.Record.Content)
		if content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] (%.2f) %s", idx+1, item.Score, content))
	}
	return lines
}

func knowledgeLines(snippets []knowledge.Snippet) []string {
	lines := make([]string, 0, len(snippets))
	for idx, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] %s: %s", idx+1, strings.TrimSpace(snippet.Title), truncate(snippet.Content)))
	}
	return lines
}

// appendSection 在已有文本后追加一个带标题的段落，lines 为空时原样返回。
func appendSection(existing, title string, lines []string) string {
	if len(lines) == 0 {
		return existing
	}
	return existing + "\n\n" + title + "\n" + strings.Join(lines, "\n")
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 280 {
		return string([]rune(text)[:280]) + "..."
	}
	return text
}
