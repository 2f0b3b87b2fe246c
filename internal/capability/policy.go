package capability

import (
	"path"
	"strings"
)

// Policy 约束某个智能体可以看到与调用的能力集合。
//
// 规则支持 path.Match 风格的通配符；Deny 优先于 Allow，Allow 为空表示不限制。
type Policy struct {
	Allow []string `json:"allow,omitempty" yaml:"allow"`
	Deny  []string `json:"deny,omitempty" yaml:"deny"`
}

// Allows 判断能力是否对当前智能体开放。nil 策略放行所有能力。
func (p *Policy) Allows(name string) bool {
	if p == nil {
		return true
	}
	for _, pattern := range p.Deny {
		if matchPattern(pattern, name) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if matchPattern(pattern, name) {
			return true
		}
	}
	return false
}

// Merge 以 defaults 为基础叠加当前策略，当前策略的 Allow 非空时覆盖默认值。
func (p *Policy) Merge(defaults Policy) Policy {
	if p == nil {
		return defaults
	}
	merged := Policy{
		Allow: append([]string(nil), defaults.Allow...),
		Deny:  append([]string(nil), defaults.Deny...),
	}
	if len(p.Allow) > 0 {
		merged.Allow = append([]string(nil), p.Allow...)
	}
	merged.Deny = append(merged.Deny, p.Deny...)
	return merged
}

func matchPattern(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
