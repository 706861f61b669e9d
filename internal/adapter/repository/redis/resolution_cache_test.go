package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenancy/internal/domain"
)

func TestEntryEncoding(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   domain.CacheEntry
		wantOK bool
	}{
		{name: "positive", raw: "t:acme", want: domain.CacheEntry{TenantID: "acme"}, wantOK: true},
		{name: "negative", raw: "-", want: domain.CacheEntry{Negative: true}, wantOK: true},
		{name: "empty id", raw: "t:", wantOK: false},
		{name: "garbage", raw: "acme", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeEntry(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("decodeEntry(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("decodeEntry(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if ok && encodeEntry(got) != tt.raw {
				t.Errorf("encodeEntry(%+v) = %q, want %q", got, encodeEntry(got), tt.raw)
			}
		})
	}
}

func TestResolutionCache_UnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	c := NewResolutionCache(client, "test:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if _, _, err := c.Get(ctx, "acme.example.com"); err == nil {
		t.Fatal("expected first read against a dead server to fail")
	}
	if c.Available() {
		t.Fatal("expected cache to be marked unavailable after a network error")
	}

	_, hit, err := c.Get(ctx, "acme.example.com")
	if err != nil || hit {
		t.Fatalf("unavailable cache should report a clean miss, got hit=%v err=%v", hit, err)
	}
	if err := c.Invalidate(ctx, "acme.example.com"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("invalidate while unavailable: expected ErrUnavailable, got %v", err)
	}
	ok, err := c.SetIfEpoch(ctx, "acme.example.com", domain.CacheEntry{TenantID: "acme"}, time.Minute, 0)
	if ok || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("populate while unavailable: ok=%v err=%v", ok, err)
	}
}

func TestDecodeEvent(t *testing.T) {
	msg := `{"name":"tenant.provisioned","tenant_id":"acme","at":"2024-03-01T12:00:00Z","payload":{"tenant_id":"acme"}}`

	name, tenantID, payload, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if name != domain.EventTenantProvisioned || tenantID != "acme" {
		t.Errorf("got name=%q tenant=%q", name, tenantID)
	}
	if string(payload) != `{"tenant_id":"acme"}` {
		t.Errorf("payload = %s", payload)
	}

	if _, _, _, err := DecodeEvent("not json"); err == nil {
		t.Error("expected an error for malformed input")
	}
}
