package profilewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/pkg/config"
)

const defaultSettle = 200 * time.Millisecond

// Catalog receives a reloaded set of named profiles and reports which changed.
type Catalog interface {
	Default() domain.CredentialProfile
	Replace(named map[string]domain.CredentialProfile) []string
}

// Invalidator drops cached credentials and pools built from the named profiles.
type Invalidator interface {
	InvalidateProfiles(names ...string) []string
}

// Watcher reloads the named-profiles file when it changes. The parent
// directory is watched rather than the file so editors that replace the file
// by rename are still seen. A file that fails to parse leaves the previous
// profiles in place.
type Watcher struct {
	path        string
	catalog     Catalog
	invalidator Invalidator
	settle      time.Duration
	logger      *slog.Logger
}

func NewWatcher(path string, catalog Catalog, invalidator Invalidator, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:        filepath.Clean(path),
		catalog:     catalog,
		invalidator: invalidator,
		settle:      defaultSettle,
		logger:      logger.With("component", "profile_watcher"),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("watching credential profiles", "path", w.path)

	// Bursts of events from one save collapse into a single reload.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(w.settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("profile watcher error", "error", err)
		case <-timer.C:
			w.Reload()
		}
	}
}

// Reload reads the file once and invalidates tenants on changed profiles.
func (w *Watcher) Reload() []string {
	named, err := config.LoadProfiles(w.path, w.catalog.Default())
	if err != nil {
		w.logger.Error("profile reload rejected, keeping previous profiles", "path", w.path, "error", err)
		return nil
	}
	changed := w.catalog.Replace(named)
	if len(changed) == 0 {
		return nil
	}
	affected := w.invalidator.InvalidateProfiles(changed...)
	w.logger.Info("credential profiles reloaded", "changed", changed, "tenants_invalidated", len(affected))
	return changed
}
