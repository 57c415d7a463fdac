// Package credentials keeps inference access tokens in Postgres, scoped per
// backend space with an optional provider-wide default.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fitpipe/internal/infra"
	"fitpipe/internal/sqlinline"
)

// ProviderGradio holds the access tokens sent to private inference spaces.
const ProviderGradio = "gradio"

// SpaceToken is one stored token. An empty Space is the provider default.
type SpaceToken struct {
	Space     string     `json:"space"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Tokens is the resolved token set of one provider.
type Tokens struct {
	Default string
	// BySpace excludes the default.
	BySpace map[string]string
}

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// GradioTokens loads every unexpired Gradio token.
func (s *Store) GradioTokens(ctx context.Context) (Tokens, error) {
	return s.Tokens(ctx, ProviderGradio)
}

func (s *Store) Tokens(ctx context.Context, provider string) (Tokens, error) {
	out := Tokens{BySpace: map[string]string{}}
	var raw []byte
	if err := s.sql.QueryRow(ctx, sqlinline.QSelectSpaceTokens, provider).Scan(&raw); err != nil {
		if infra.IsNoRows(err) {
			return out, nil
		}
		return out, fmt.Errorf("select %s tokens: %w", provider, err)
	}
	var rows []SpaceToken
	if err := json.Unmarshal(raw, &rows); err != nil {
		return out, fmt.Errorf("decode %s tokens: %w", provider, err)
	}
	for _, r := range rows {
		tok := strings.TrimSpace(r.Token)
		if tok == "" {
			continue
		}
		if space := strings.TrimSpace(r.Space); space != "" {
			out.BySpace[space] = tok
		} else {
			out.Default = tok
		}
	}
	return out, nil
}

// SetGradioToken stores token for space, or as the default when space is
// empty. A zero expiresAt never expires.
func (s *Store) SetGradioToken(ctx context.Context, space, token string, expiresAt time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("gradio token is required")
	}
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.UTC()
	}
	_, err := s.sql.Exec(ctx, sqlinline.QUpsertSpaceToken, ProviderGradio, strings.TrimSpace(space), token, expires)
	return err
}
