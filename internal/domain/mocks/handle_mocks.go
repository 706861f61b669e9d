package mocks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/V4T54L/tenancy/internal/domain"
)

var ErrHandleClosed = errors.New("handle closed")

// FakeHandle is a domain.Handle that remembers which tenant it was opened for.
type FakeHandle struct {
	TenantID string
	Database string
	Serial   int64

	mu      sync.Mutex
	pingErr error
	execErr error
	closed  bool
	Execs   []string
}

func (h *FakeHandle) SetPingErr(err error) {
	h.mu.Lock()
	h.pingErr = err
	h.mu.Unlock()
}

func (h *FakeHandle) SetExecErr(err error) {
	h.mu.Lock()
	h.execErr = err
	h.mu.Unlock()
}

func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *FakeHandle) PingContext(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	return h.pingErr
}

func (h *FakeHandle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	if h.execErr != nil {
		return nil, h.execErr
	}
	h.Execs = append(h.Execs, query)
	return driverResult{}, nil
}

func (h *FakeHandle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("fake handle: QueryContext not supported")
}

func (h *FakeHandle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func (h *FakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.closed = true
	return nil
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 1, nil }

// MockConnector opens FakeHandles. OpenErr fails every open; FailOpens fails the next n.
type MockConnector struct {
	mu        sync.Mutex
	OpenErr   error
	FailOpens int
	Opened    []*FakeHandle
	serial    atomic.Int64
}

func (c *MockConnector) Open(ctx context.Context, profile domain.CredentialProfile) (domain.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.FailOpens > 0 {
		c.FailOpens--
		return nil, fmt.Errorf("dial %s: connection refused", profile.Host)
	}
	h := &FakeHandle{TenantID: profile.TenantID, Database: profile.Database, Serial: c.serial.Add(1)}
	c.Opened = append(c.Opened, h)
	return h, nil
}

func (c *MockConnector) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Opened)
}

// MockDatabaseAdmin records created databases.
type MockDatabaseAdmin struct {
	mu        sync.Mutex
	Databases map[string]bool
	CreateErr error
	Creates   int
}

func NewMockDatabaseAdmin() *MockDatabaseAdmin {
	return &MockDatabaseAdmin{Databases: make(map[string]bool)}
}

func (a *MockDatabaseAdmin) CreateDatabase(ctx context.Context, profile domain.CredentialProfile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Creates++
	if a.CreateErr != nil {
		return a.CreateErr
	}
	if a.Databases[profile.Database] {
		return domain.ErrDatabaseExists
	}
	a.Databases[profile.Database] = true
	return nil
}

// MockMigrationRunner counts migrations per database.
type MockMigrationRunner struct {
	mu    sync.Mutex
	Err   error
	Calls int
	Ran   map[string]int
}

func (m *MockMigrationRunner) Migrate(ctx context.Context, h domain.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return m.Err
	}
	if m.Ran == nil {
		m.Ran = make(map[string]int)
	}
	if fh, ok := h.(*FakeHandle); ok {
		m.Ran[fh.Database]++
	}
	return nil
}

// MockSeedRunner records seeder runs. FailOn names a seeder that always fails.
type MockSeedRunner struct {
	mu     sync.Mutex
	FailOn string
	Runs   []string
	// OnSeed, when set, runs after every successful seeder.
	OnSeed func(seeder string)
}

func (s *MockSeedRunner) Seed(ctx context.Context, h domain.Handle, seeder string) error {
	if err := s.seed(seeder); err != nil {
		return err
	}
	if s.OnSeed != nil {
		s.OnSeed(seeder)
	}
	return nil
}

func (s *MockSeedRunner) seed(seeder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seeder == s.FailOn {
		return fmt.Errorf("seeder %s: boom", seeder)
	}
	s.Runs = append(s.Runs, seeder)
	return nil
}

// EventRecorder is a domain.EventPublisher that keeps what it receives.
type EventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
	Err    error
}

func (r *EventRecorder) Publish(ctx context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Err
}

func (r *EventRecorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *EventRecorder) Named(name string) []domain.Event {
	var out []domain.Event
	for _, e := range r.Events() {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}
