package profilewatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/usecase"
)

type recordingInvalidator struct {
	calls chan []string
}

func (r *recordingInvalidator) InvalidateProfiles(names ...string) []string {
	r.calls <- names
	return nil
}

const euProfiles = `profiles:
  eu:
    host: pg-eu.internal
    username: eu
    password: first
`

func setup(t *testing.T, content string) (string, *usecase.ProfileCatalog, *recordingInvalidator, *Watcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	base := domain.CredentialProfile{Name: "default", Host: "db", Port: 5432, Username: "app", Driver: domain.DriverPostgres}
	catalog := usecase.NewProfileCatalog(base, nil)
	inv := &recordingInvalidator{calls: make(chan []string, 10)}
	w := NewWatcher(path, catalog, inv, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.settle = 20 * time.Millisecond
	return path, catalog, inv, w
}

func TestWatcher_Reload(t *testing.T) {
	path, catalog, inv, w := setup(t, euProfiles)

	assert.Equal(t, []string{"eu"}, w.Reload())
	assert.Equal(t, []string{"eu"}, <-inv.calls)
	p, ok := catalog.Named("eu")
	require.True(t, ok)
	assert.Equal(t, 5432, p.Port, "unset fields inherit from the default profile")

	assert.Nil(t, w.Reload(), "unchanged file invalidates nothing")

	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  eu:\n    hostname: typo\n"), 0600))
	assert.Nil(t, w.Reload())
	p, _ = catalog.Named("eu")
	assert.Equal(t, "pg-eu.internal", p.Host, "a rejected file keeps the previous profiles")
}

func TestWatcher_RunPicksUpChanges(t *testing.T) {
	path, catalog, inv, w := setup(t, euProfiles)
	w.Reload()
	<-inv.calls

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := `profiles:
  eu:
    host: pg-eu-2.internal
    username: eu
    password: second
  us:
    host: pg-us.internal
    username: us
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	select {
	case names := <-inv.calls:
		assert.Equal(t, []string{"eu", "us"}, names)
	case <-time.After(5 * time.Second):
		t.Fatal("profile change was not picked up")
	}
	p, _ := catalog.Named("eu")
	assert.Equal(t, "pg-eu-2.internal", p.Host)

	cancel()
	require.NoError(t, <-done)
}
