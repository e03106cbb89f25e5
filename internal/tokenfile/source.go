package tokenfile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// Source is a refreshing token source backed by the token file. It serves
// the cached access token while valid and otherwise refreshes through the
// OAuth endpoint, persisting rotated tokens so restarts keep working.
type Source struct {
	mu     sync.Mutex
	path   string
	cfg    *oauth2.Config
	tok    *oauth2.Token
	logger *slog.Logger
}

// NewSource loads the token file at path and returns a Source refreshing
// via cfg. Returns ErrNotFound (wrapped) when no login has happened yet.
func NewSource(path string, cfg *oauth2.Config, logger *slog.Logger) (*Source, error) {
	tf, err := Load(path)
	if err != nil {
		return nil, err
	}

	return &Source{
		path:   path,
		cfg:    cfg,
		tok:    tf.Token,
		logger: logger,
	}, nil
}

// Token returns a valid bearer token, refreshing and persisting if needed.
// Implements the books.TokenSource contract.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Valid() {
		return s.tok.AccessToken, nil
	}

	refreshed, err := s.cfg.TokenSource(ctx, s.tok).Token()
	if err != nil {
		return "", fmt.Errorf("tokenfile: refreshing token: %w", err)
	}

	s.tok = refreshed

	if err := Save(s.path, &File{Token: refreshed}); err != nil {
		// The refreshed token still works for this process; only
		// persistence failed.
		s.logger.Warn("tokenfile: persisting refreshed token failed",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("tokenfile: refreshed token persisted")
	}

	return refreshed.AccessToken, nil
}
