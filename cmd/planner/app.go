package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/config"
	"github.com/MarcoPoloResearchLab/planner/internal/habits"
	"github.com/MarcoPoloResearchLab/planner/internal/logging"
	"github.com/MarcoPoloResearchLab/planner/internal/notes"
	"github.com/MarcoPoloResearchLab/planner/internal/profiles"
	"github.com/MarcoPoloResearchLab/planner/internal/remote/client"
	"github.com/MarcoPoloResearchLab/planner/internal/session"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"github.com/MarcoPoloResearchLab/planner/internal/tasks"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	errNotSignedIn   = errors.New("not signed in: run `planner signin --email <address>`")
	errAmbiguousID   = errors.New("id matches more than one record")
	errUnknownRecord = errors.New("no record matches id")
)

// app carries the wiring shared by every command.
type app struct {
	cfg      config.ClientConfig
	logger   *zap.Logger
	api      *client.Client
	provider *session.Provider
	clock    func() time.Time
}

func newApp() (*app, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	base, err := client.New(client.Config{BaseURL: cfg.APIURL, Logger: logger})
	if err != nil {
		return nil, err
	}
	provider := session.NewProvider(session.ProviderConfig{Authenticator: base, Logger: logger})
	current := &app{
		cfg:      cfg,
		logger:   logger,
		api:      base.WithSession(provider),
		provider: provider,
		clock:    time.Now,
	}
	if err := current.restoreSession(); err != nil {
		return nil, err
	}
	return current, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

// restoreSession activates the saved token unless it is missing or expired.
func (a *app) restoreSession() error {
	if a.cfg.TokenPath == "" {
		return nil
	}
	raw, err := os.ReadFile(a.cfg.TokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	restored, err := session.FromAccessToken(strings.TrimSpace(string(raw)))
	if err != nil {
		a.logger.Warn("discarding unreadable token", zap.String("path", a.cfg.TokenPath), zap.Error(err))
		return nil
	}
	if restored.Expired(a.clock()) {
		a.logger.Info("saved token expired", zap.Time("expires_at", restored.ExpiresAt))
		return nil
	}
	return a.provider.Set(restored)
}

func (a *app) saveToken(token string) error {
	if a.cfg.TokenPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.TokenPath), 0o700); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if err := os.WriteFile(a.cfg.TokenPath, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (a *app) forgetToken() error {
	if a.cfg.TokenPath == "" {
		return nil
	}
	if err := os.Remove(a.cfg.TokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

func (a *app) requireSession() (*session.Session, error) {
	current := a.provider.Current()
	if current == nil {
		return nil, errNotSignedIn
	}
	return current, nil
}

// taskList returns a loaded list bound to the session. registry may be nil for
// one-shot commands that need no realtime updates.
func (a *app) taskList(ctx context.Context, registry *subscription.Registry) (*tasks.List, error) {
	if _, err := a.requireSession(); err != nil {
		return nil, err
	}
	list, err := tasks.NewList(tasks.Config{
		Query:         a.api,
		Subscriptions: registry,
		LoadAttempts:  a.cfg.LoadAttempts,
		RetryBackoff:  a.cfg.RetryBackoff,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := list.Bind(ctx, a.provider); err != nil {
		list.Close()
		return nil, err
	}
	return list, nil
}

func (a *app) noteBoard(ctx context.Context, registry *subscription.Registry) (*notes.Board, error) {
	if _, err := a.requireSession(); err != nil {
		return nil, err
	}
	board, err := notes.NewBoard(notes.Config{
		Query:         a.api,
		Subscriptions: registry,
		LoadAttempts:  a.cfg.LoadAttempts,
		RetryBackoff:  a.cfg.RetryBackoff,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := board.Bind(ctx, a.provider); err != nil {
		board.Close()
		return nil, err
	}
	return board, nil
}

func (a *app) habitTracker(ctx context.Context, registry *subscription.Registry) (*habits.Tracker, error) {
	if _, err := a.requireSession(); err != nil {
		return nil, err
	}
	tracker, err := habits.NewTracker(habits.Config{
		Query:         a.api,
		Subscriptions: registry,
		LoadAttempts:  a.cfg.LoadAttempts,
		RetryBackoff:  a.cfg.RetryBackoff,
		Logger:        a.logger,
		Clock:         a.clock,
	})
	if err != nil {
		return nil, err
	}
	if err := tracker.Bind(ctx, a.provider); err != nil {
		tracker.Close()
		return nil, err
	}
	return tracker, nil
}

func (a *app) profileDirectory(ctx context.Context) (*profiles.Directory, error) {
	if _, err := a.requireSession(); err != nil {
		return nil, err
	}
	directory, err := profiles.NewDirectory(profiles.Config{
		Query:        a.api,
		LoadAttempts: a.cfg.LoadAttempts,
		RetryBackoff: a.cfg.RetryBackoff,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := directory.Bind(ctx, a.provider); err != nil {
		directory.Close()
		return nil, err
	}
	return directory, nil
}

// resolveID expands an id suffix against ids, so commands accept the short form
// printed by list commands. Server ids are time-ordered, so the tail is the
// distinctive part.
func resolveID(ids []string, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errUnknownRecord
	}
	match := ""
	for _, id := range ids {
		if id == input {
			return id, nil
		}
		if strings.HasSuffix(id, input) {
			if match != "" {
				return "", fmt.Errorf("%w: %q", errAmbiguousID, input)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %q", errUnknownRecord, input)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[len(id)-shortIDLength:]
}

const shortIDLength = 8
