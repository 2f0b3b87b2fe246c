package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	xerrors "AgentChain/internal/errors"
	"AgentChain/pkg/logger"
)

// Entry 将能力描述与其执行体绑定。委派类能力不需要 Tool。
type Entry struct {
	Descriptor Descriptor
	Tool       Tool
}

// Snapshot 是某一时刻注册表的不可变视图。
//
// 推理步骤开始时捕获一次快照，之后的热加载不会影响正在进行的步骤。
type Snapshot struct {
	version  uint64
	entries  map[string]Entry
	names    []string
	limiters map[string]*rate.Limiter
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		entries:  map[string]Entry{},
		limiters: map[string]*rate.Limiter{},
	}
}

// Version 返回快照版本号，每次替换递增。
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Len 返回能力数量。
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entry 返回名称对应的注册项。
func (s *Snapshot) Entry(name string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	entry, ok := s.entries[name]
	return entry, ok
}

// Resolve 根据名称查找能力描述。
func (s *Snapshot) Resolve(name string) (Descriptor, error) {
	entry, ok := s.Entry(name)
	if !ok {
		return Descriptor{}, xerrors.New(CodeNotFound, fmt.Sprintf("能力 %s 未注册", name))
	}
	return entry.Descriptor, nil
}

// Validate 校验调用参数是否满足能力的输入结构。
func (s *Snapshot) Validate(name string, payload map[string]any) error {
	desc, err := s.Resolve(name)
	if err != nil {
		return err
	}
	return ValidateSchema(desc.InputSchema, payload)
}

// ValidateOutput 校验工具返回值是否满足能力的输出结构。
func (s *Snapshot) ValidateOutput(name string, payload map[string]any) error {
	desc, err := s.Resolve(name)
	if err != nil {
		return err
	}
	return ValidateSchema(desc.OutputSchema, payload)
}

// Limiter 返回能力的速率限制器，未配置时返回 nil。
func (s *Snapshot) Limiter(name string) *rate.Limiter {
	if s == nil {
		return nil
	}
	return s.limiters[name]
}

// Descriptors 按名称排序返回策略允许的能力描述。
func (s *Snapshot) Descriptors(policy *Policy) []Descriptor {
	if s == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(s.names))
	for _, name := range s.names {
		if !policy.Allows(name) {
			continue
		}
		out = append(out, s.entries[name].Descriptor)
	}
	return out
}

// Registry 维护能力快照，并以写时复制的方式原子替换。
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithLogger 指定注册表日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建空的能力注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logger: logger.Named("capability")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.current.Store(emptySnapshot())
	return r
}

// Snapshot 返回当前生效的快照。
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Register 注册单个能力，名称已存在时返回 DUPLICATE_CAPABILITY。
func (r *Registry) Register(entry Entry) error {
	entry, err := prepareEntry(entry)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	if _, exists := prev.entries[entry.Descriptor.Name]; exists {
		return xerrors.New(CodeDuplicate, fmt.Sprintf("能力 %s 已存在", entry.Descriptor.Name))
	}

	next := &Snapshot{
		version:  prev.version + 1,
		entries:  make(map[string]Entry, len(prev.entries)+1),
		limiters: make(map[string]*rate.Limiter, len(prev.limiters)+1),
	}
	for name, existing := range prev.entries {
		next.entries[name] = existing
	}
	for name, limiter := range prev.limiters {
		next.limiters[name] = limiter
	}
	next.entries[entry.Descriptor.Name] = entry
	if limiter := newLimiter(entry.Descriptor.RateLimit); limiter != nil {
		next.limiters[entry.Descriptor.Name] = limiter
	}
	next.names = sortedNames(next.entries)
	r.current.Store(next)

	r.logger.Debug("能力已注册",
		slog.String("capability", entry.Descriptor.Name),
		slog.String("kind", string(entry.Descriptor.Kind)),
		slog.Uint64("version", next.version))
	return nil
}

// Replace 用一组新能力整体替换当前快照，供热加载使用。
func (r *Registry) Replace(entries []Entry) error {
	next := &Snapshot{
		entries:  make(map[string]Entry, len(entries)),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, raw := range entries {
		entry, err := prepareEntry(raw)
		if err != nil {
			return err
		}
		if _, exists := next.entries[entry.Descriptor.Name]; exists {
			return xerrors.New(CodeDuplicate, fmt.Sprintf("能力 %s 重复定义", entry.Descriptor.Name))
		}
		next.entries[entry.Descriptor.Name] = entry
		if limiter := newLimiter(entry.Descriptor.RateLimit); limiter != nil {
			next.limiters[entry.Descriptor.Name] = limiter
		}
	}
	next.names = sortedNames(next.entries)

	r.mu.Lock()
	next.version = r.current.Load().version + 1
	r.current.Store(next)
	r.mu.Unlock()

	r.logger.Info("能力快照已替换",
		slog.Int("capabilities", len(next.entries)),
		slog.Uint64("version", next.version))
	return nil
}

// Resolve 在当前快照中查找能力。
func (r *Registry) Resolve(name string) (Descriptor, error) {
	return r.Snapshot().Resolve(name)
}

// Validate 在当前快照中校验调用参数。
func (r *Registry) Validate(name string, payload map[string]any) error {
	return r.Snapshot().Validate(name, payload)
}

func prepareEntry(entry Entry) (Entry, error) {
	desc := entry.Descriptor
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, "能力名称不能为空")
	}
	if desc.Kind == "" {
		desc.Kind = KindTool
	}
	switch desc.Kind {
	case KindTool:
		if entry.Tool == nil {
			return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少执行体", desc.Name))
		}
		if desc.InputSchema == nil {
			desc.InputSchema = map[string]any{"type": "object"}
		}
	case KindAgent:
		if desc.InputSchema == nil {
			desc.InputSchema = AgentInputSchema()
		}
	default:
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 的类型 %s 不受支持", desc.Name, desc.Kind))
	}
	entry.Descriptor = desc
	return entry, nil
}

func newLimiter(cfg *RateLimit) *rate.Limiter {
	if cfg == nil || cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RPS), burst)
}

func sortedNames(entries map[string]Entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
