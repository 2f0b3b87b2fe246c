package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"AgentChain/pkg/logger"
)

// Service 负责校验请求携带的访问令牌。
type Service struct {
	mode    Mode
	entries []tokenEntry
	audit   *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造认证服务。令牌以摘要形式保存，比较时使用常量时间。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("不支持的认证方式: %s", cfg.Mode)
	}

	for i, token := range cfg.Tokens {
		secret := strings.TrimSpace(token.Secret)
		if secret == "" {
			return nil, fmt.Errorf("令牌 %d (%s) 未配置密钥", i, token.Name)
		}
		name := token.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		svc.entries = append(svc.entries, tokenEntry{
			digest:  sha256.Sum256([]byte(secret)),
			subject: newSubject(name, token.Permissions),
		})
	}
	if len(svc.entries) == 0 {
		return nil, errors.New("token 模式至少需要配置一个令牌")
	}
	return svc, nil
}

// Enabled 判断是否启用了认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	for _, entry := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			matched = entry.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}
