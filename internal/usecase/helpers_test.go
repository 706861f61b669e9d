package usecase

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/tenancy/internal/adapter/cipher"
	"github.com/V4T54L/tenancy/internal/adapter/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.TenancyMetrics {
	return metrics.NewTenancyMetrics(prometheus.NewRegistry())
}

// testKeyring returns a keyring holding one fresh key per id, with active selected.
func testKeyring(t *testing.T, active string, ids ...string) *cipher.Keyring {
	t.Helper()
	keys := make([]*cipher.Key, 0, len(ids))
	for _, id := range ids {
		raw, err := cipher.RandomBytes(cipher.KeySize)
		if err != nil {
			t.Fatalf("random key: %v", err)
		}
		k, err := cipher.NewKey(id, raw, time.Time{})
		if err != nil {
			t.Fatalf("new key %s: %v", id, err)
		}
		keys = append(keys, k)
	}
	kr, err := cipher.NewKeyring(active, keys...)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return kr
}
