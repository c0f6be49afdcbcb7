package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Scope confines filesystem tools to a project's workspace plus its
// explicitly-allowed external paths.
type Scope struct {
	WorkspaceDir    string
	AllowedExternal []string
}

type scopeKey struct{}

// WithScope attaches a filesystem scope to the context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom extracts the filesystem scope; the zero scope denies everything.
func ScopeFrom(ctx context.Context) Scope {
	if scope, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return scope
	}
	return Scope{}
}

// ResolvePath canonicalizes raw against the workspace and rejects anything
// that escapes both the workspace and the allowed external set.
func (s Scope) ResolvePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if s.WorkspaceDir == "" {
		return "", fmt.Errorf("no workspace configured")
	}

	resolved := trimmed
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.WorkspaceDir, resolved)
	}
	resolved, err := filepath.Abs(filepath.Clean(resolved))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if pathWithinBase(s.WorkspaceDir, resolved) {
		return resolved, nil
	}
	for _, allowed := range s.AllowedExternal {
		if pathWithinBase(allowed, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the workspace and allowed external paths", trimmed)
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return false
	}
	return true
}
