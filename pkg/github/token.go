// Package github resolves git credentials for pipeline workers. The
// pipeline asks for a fresh token before every stage, so a worker never
// starts with a credential that expires mid-clone.
package github

import "context"

// TokenSource yields a credential usable for git clone and push.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, typically a personal access
// token from the environment.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps a fixed token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token returns the configured token.
func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	return s.token, nil
}
