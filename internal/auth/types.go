// Package auth 为 HTTP API 提供基于静态访问令牌的认证与按权限授权。
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// 内置权限。
const (
	PermissionTasksRead  = "tasks:read"
	PermissionTasksWrite = "tasks:write"
	PermissionAdmin      = "admin"
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置认证服务。
type Config struct {
	Mode   Mode
	Tokens []Token
}

// Token 描述一个静态访问令牌。
type Token struct {
	Name        string
	Secret      string
	Permissions []string
}

// Subject 是通过认证的调用方，经由 context 传给处理函数。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func newSubject(name string, permissions []string) *Subject {
	s := &Subject{Name: name, Permissions: append([]string(nil), permissions...)}
	s.permissionsSet = make(map[string]struct{}, len(permissions))
	for _, perm := range permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
	return s
}

// HasPermission 判断调用方是否拥有指定权限，admin 拥有全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.permissionsSet[PermissionAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 确认调用方拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
