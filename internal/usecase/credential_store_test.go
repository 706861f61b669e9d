package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/V4T54L/tenancy/internal/adapter/cipher"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/domain/mocks"
)

func newTestStore(t *testing.T, kr Keyring, repo domain.CredentialRepository, journal domain.RotationJournal) *CredentialStore {
	t.Helper()
	if repo == nil {
		repo = mocks.NewMockCredentialRepository()
	}
	if journal == nil {
		journal = mocks.NewMockRotationJournal()
	}
	return NewCredentialStore(kr, true, 90*24*time.Hour, repo, journal, discardLogger(), testMetrics())
}

func TestCredentialStore_EncryptDecrypt(t *testing.T) {
	store := newTestStore(t, testKeyring(t, "k1", "k1"), nil, nil)

	for _, pt := range []string{"s3cret", "p@ss word with spaces", "$tnc1$looks-like-a-prefix", "ü"} {
		sealed, err := store.Encrypt(pt)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", pt, err)
		}
		if !store.IsEncrypted(sealed) {
			t.Fatalf("Encrypt(%q) did not produce an envelope: %q", pt, sealed)
		}
		again, err := store.Encrypt(sealed)
		if err != nil {
			t.Fatal(err)
		}
		if again != sealed {
			t.Errorf("re-encrypting an envelope changed it")
		}
		got, err := store.Decrypt(again)
		if err != nil || got != pt {
			t.Errorf("Decrypt = %q, %v; want %q", got, err, pt)
		}
	}
}

func TestCredentialStore_Disabled(t *testing.T) {
	kr := testKeyring(t, "k1", "k1")
	store := NewCredentialStore(kr, false, 0, mocks.NewMockCredentialRepository(), mocks.NewMockRotationJournal(), discardLogger(), nil)

	got, err := store.Encrypt("plain")
	if err != nil || got != "plain" {
		t.Fatalf("Encrypt with encryption disabled = %q, %v", got, err)
	}

	sealed, _ := kr.Seal("old")
	if pt, err := store.Decrypt(sealed); err != nil || pt != "old" {
		t.Errorf("existing envelopes must still open, got %q, %v", pt, err)
	}
}

func TestCredentialStore_NoKeyring(t *testing.T) {
	sealed, err := testKeyring(t, "k1", "k1").Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	store := NewCredentialStore(nil, false, 0, mocks.NewMockCredentialRepository(), mocks.NewMockRotationJournal(), discardLogger(), nil)

	if _, err := store.Decrypt(sealed); !errors.Is(err, domain.ErrCredentialCorrupt) {
		t.Errorf("Decrypt without keys = %v, want ErrCredentialCorrupt", err)
	}
	if pt, err := store.Decrypt("plain"); err != nil || pt != "plain" {
		t.Errorf("legacy plaintext without keys = %q, %v", pt, err)
	}
	if _, err := store.DecryptProfile(domain.CredentialProfile{Name: "p", Password: sealed}); !errors.Is(err, domain.ErrCredentialCorrupt) {
		t.Errorf("DecryptProfile without keys = %v, want ErrCredentialCorrupt", err)
	}
	if _, err := store.RotateKey(context.Background(), "k1", "k2"); err == nil {
		t.Error("RotateKey without keys should fail")
	}

	enabled := NewCredentialStore(nil, true, 0, mocks.NewMockCredentialRepository(), mocks.NewMockRotationJournal(), discardLogger(), nil)
	if _, err := enabled.Encrypt("secret"); err == nil {
		t.Error("Encrypt with encryption on and no keys should fail")
	}
}

func TestCredentialStore_LegacyPlaintext(t *testing.T) {
	store := newTestStore(t, testKeyring(t, "k1", "k1"), nil, nil)

	pt, legacy, err := store.Open("stored-before-encryption")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !legacy || pt != "stored-before-encryption" {
		t.Errorf("Open = %q, legacy=%v", pt, legacy)
	}
	if n := testutil.ToFloat64(store.metrics.CredentialLegacyPlaintext); n != 1 {
		t.Errorf("legacy counter = %v, want 1", n)
	}

	sealed, _ := store.Encrypt("fresh")
	if _, legacy, _ := store.Open(sealed); legacy {
		t.Error("an envelope must not take the legacy path")
	}
	if n := testutil.ToFloat64(store.metrics.CredentialLegacyPlaintext); n != 1 {
		t.Errorf("legacy counter = %v after envelope, want 1", n)
	}
}

func TestCredentialStore_CorruptEnvelope(t *testing.T) {
	store := newTestStore(t, testKeyring(t, "k1", "k1"), nil, nil)
	foreign := testKeyring(t, "k9", "k9")

	sealedElsewhere, err := foreign.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Open(sealedElsewhere); !errors.Is(err, domain.ErrCredentialCorrupt) {
		t.Errorf("expected ErrCredentialCorrupt for an unknown key, got %v", err)
	}

	sealed, _ := store.Encrypt("secret")
	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	if _, _, err := store.Open(tampered); !errors.Is(err, domain.ErrCredentialCorrupt) {
		t.Errorf("expected ErrCredentialCorrupt for a tampered envelope, got %v", err)
	}
}

func TestCredentialStore_Profiles(t *testing.T) {
	store := newTestStore(t, testKeyring(t, "k1", "k1"), nil, nil)
	p := domain.CredentialProfile{
		Name: "acme", Host: "db", Port: 5432, Username: "acme", Password: "pw",
		Driver: domain.DriverPostgres, Options: map[string]string{"application_name": "x"},
	}

	if err := store.EncryptProfile(&p); err != nil {
		t.Fatal(err)
	}
	if !store.IsEncrypted(p.Password) {
		t.Fatal("password was not sealed")
	}
	sealed := p.Password
	if err := store.EncryptProfile(&p); err != nil || p.Password != sealed {
		t.Fatal("encrypting a sealed profile must be a no-op")
	}

	clear, err := store.DecryptProfile(p)
	if err != nil {
		t.Fatal(err)
	}
	if clear.Password != "pw" || p.Password != sealed {
		t.Errorf("DecryptProfile must return a plaintext copy without touching the input")
	}
	clear.Options["application_name"] = "changed"
	if p.Options["application_name"] != "x" {
		t.Error("DecryptProfile shared the options map with its input")
	}
}

func TestCredentialStore_RotationDue(t *testing.T) {
	raw, _ := cipher.RandomBytes(cipher.KeySize)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	k, _ := cipher.NewKey("k1", raw, created)
	kr, _ := cipher.NewKeyring("k1", k)
	store := newTestStore(t, kr, nil, nil)

	if store.RotationDue(created.Add(89 * 24 * time.Hour)) {
		t.Error("rotation due too early")
	}
	if !store.RotationDue(created.Add(91 * 24 * time.Hour)) {
		t.Error("rotation should be due after 91 days")
	}
}

func TestCredentialStore_RotateKey(t *testing.T) {
	ctx := context.Background()
	kr := testKeyring(t, "k1", "k1", "k2")
	repo := mocks.NewMockCredentialRepository()
	journal := mocks.NewMockRotationJournal()
	store := newTestStore(t, kr, repo, journal)

	want := make(map[string]string)
	for i := 0; i < 10; i++ {
		pt := fmt.Sprintf("password-%d", i)
		sealed, err := store.Encrypt(pt)
		if err != nil {
			t.Fatal(err)
		}
		id := fmt.Sprintf("p%02d", i)
		want[id] = pt
		if err := repo.Save(ctx, &domain.CredentialProfile{ID: id, TenantID: "t" + id, Password: sealed}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("Interrupted After Five", func(t *testing.T) {
		repo.SwapErrOn = 6
		report, err := store.RotateKey(ctx, "k1", "k2")
		if err == nil {
			t.Fatal("expected the injected failure to stop the rotation")
		}
		if report.Rotated != 5 || report.Completed {
			t.Fatalf("report = %+v, want 5 rotated and not completed", report)
		}
		last, done, _ := journal.Checkpoint(ctx, "k1->k2")
		if last != "p04" || done {
			t.Fatalf("checkpoint = %q done=%v, want p04", last, done)
		}
	})

	t.Run("Resumed", func(t *testing.T) {
		report, err := store.RotateKey(ctx, "k1", "k2")
		if err != nil {
			t.Fatalf("RotateKey: %v", err)
		}
		if report.ResumedAfter != "p04" || report.Rotated != 5 || report.Skipped != 0 || !report.Completed {
			t.Fatalf("report = %+v", report)
		}
		if repo.Swaps != 10 {
			t.Errorf("expected exactly 10 swaps, got %d", repo.Swaps)
		}
		for id, pt := range want {
			p, _ := repo.Profile(id)
			keyID, err := cipher.EnvelopeKeyID(p.Password)
			if err != nil || keyID != "k2" {
				t.Errorf("profile %s sealed under %q (%v), want k2", id, keyID, err)
			}
			if got, _ := store.Decrypt(p.Password); got != pt {
				t.Errorf("profile %s decrypts to %q, want %q", id, got, pt)
			}
		}
	})

	t.Run("Completed Rotation Is Not Repeated", func(t *testing.T) {
		report, err := store.RotateKey(ctx, "k1", "k2")
		if err != nil || !report.Completed || report.Rotated != 0 {
			t.Fatalf("report = %+v, err = %v", report, err)
		}
		if repo.Swaps != 10 {
			t.Errorf("completed rotation swapped again: %d swaps", repo.Swaps)
		}
	})

	t.Run("Profile Saved Under Old Key After Completion", func(t *testing.T) {
		late, err := kr.SealWith("k1", "password-late")
		if err != nil {
			t.Fatal(err)
		}
		_ = repo.Save(ctx, &domain.CredentialProfile{ID: "p10", TenantID: "tp10", Password: late})

		report, err := store.RotateKey(ctx, "k1", "k2")
		if err != nil {
			t.Fatalf("RotateKey: %v", err)
		}
		if report.Rotated != 1 || report.Skipped != 10 || !report.Completed {
			t.Fatalf("report = %+v, want the late profile rotated", report)
		}
		p, _ := repo.Profile("p10")
		if keyID, _ := cipher.EnvelopeKeyID(p.Password); keyID != "k2" {
			t.Errorf("late profile sealed under %q, want k2", keyID)
		}
		if repo.Swaps != 11 {
			t.Errorf("expected 11 swaps in total, got %d", repo.Swaps)
		}
	})

	t.Run("Fresh Journal Skips Rotated Records", func(t *testing.T) {
		other := newTestStore(t, kr, repo, mocks.NewMockRotationJournal())
		report, err := other.RotateKey(ctx, "k1", "k2")
		if err != nil {
			t.Fatal(err)
		}
		if report.Rotated != 0 || report.Skipped != 11 {
			t.Errorf("report = %+v, want 11 skipped", report)
		}
	})
}

func TestCredentialStore_RotateKeyLegacyAndConflicts(t *testing.T) {
	ctx := context.Background()
	kr := testKeyring(t, "k1", "k1", "k2")
	repo := mocks.NewMockCredentialRepository()
	store := newTestStore(t, kr, repo, nil)

	_ = repo.Save(ctx, &domain.CredentialProfile{ID: "a", Password: "legacy-plain"})
	_ = repo.Save(ctx, &domain.CredentialProfile{ID: "b"})

	report, err := store.RotateKey(ctx, "k1", "k2")
	if err != nil {
		t.Fatal(err)
	}
	if report.Rotated != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
	p, _ := repo.Profile("a")
	if id, _ := cipher.EnvelopeKeyID(p.Password); id != "k2" {
		t.Errorf("legacy plaintext should be sealed under k2, got %q", p.Password)
	}

	for _, tc := range []struct{ old, new string }{{"k1", "k1"}, {"k1", "k7"}, {"k7", "k2"}} {
		if _, err := store.RotateKey(ctx, tc.old, tc.new); err == nil {
			t.Errorf("RotateKey(%s, %s) should fail", tc.old, tc.new)
		}
	}
}
