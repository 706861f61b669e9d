package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/tenancy/internal/adapter/cipher"
	"github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/domain"
)

const defaultRotationBatch = 100

var errNoKeyring = errors.New("no encryption keys configured")

// Keyring seals and opens credential envelopes. *cipher.Keyring satisfies it.
type Keyring interface {
	ActiveID() string
	Has(id string) bool
	Seal(plaintext string) (string, error)
	SealWith(keyID, plaintext string) (string, error)
	Open(envelope string) (plaintext, keyID string, err error)
	RotationDue(now time.Time, maxAge time.Duration) bool
}

// RotationReport summarizes one RotateKey run.
type RotationReport struct {
	RotationID   string `json:"rotation_id"`
	ResumedAfter string `json:"resumed_after,omitempty"`
	Rotated      int    `json:"rotated"`
	Skipped      int    `json:"skipped"`
	Conflicts    int    `json:"conflicts"`
	Completed    bool   `json:"completed"`
}

// CredentialStore encrypts tenant secrets at rest and rotates the keys that protect them.
type CredentialStore struct {
	keyring     Keyring
	enabled     bool
	rotationAge time.Duration
	profiles    domain.CredentialRepository
	journal     domain.RotationJournal
	logger      *slog.Logger
	metrics     *metrics.TenancyMetrics
	batchSize   int
}

// NewCredentialStore builds a store. With enabled false new secrets are kept
// as given, while existing envelopes can still be opened.
func NewCredentialStore(keyring Keyring, enabled bool, rotationAge time.Duration, profiles domain.CredentialRepository, journal domain.RotationJournal, logger *slog.Logger, m *metrics.TenancyMetrics) *CredentialStore {
	return &CredentialStore{
		keyring:     keyring,
		enabled:     enabled,
		rotationAge: rotationAge,
		profiles:    profiles,
		journal:     journal,
		logger:      logger.With("component", "credential_store"),
		metrics:     m,
		batchSize:   defaultRotationBatch,
	}
}

// IsEncrypted reports whether value has the shape of a credential envelope.
func (s *CredentialStore) IsEncrypted(value string) bool {
	return cipher.IsEnvelope(value)
}

// Encrypt seals plaintext under the active key. Values that already look
// encrypted are returned unchanged, so encrypting twice is the same as once.
func (s *CredentialStore) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !s.enabled || s.IsEncrypted(plaintext) {
		return plaintext, nil
	}
	if s.keyring == nil {
		return "", errNoKeyring
	}
	sealed, err := s.keyring.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return sealed, nil
}

// Decrypt returns the plaintext of value. See Open for the legacy path.
func (s *CredentialStore) Decrypt(value string) (string, error) {
	plaintext, _, err := s.Open(value)
	return plaintext, err
}

// Open decrypts value. A value that is not an envelope was stored before
// encryption was enabled: it is returned as is with legacy set and a warning
// logged. An envelope that no configured key can authenticate is
// ErrCredentialCorrupt.
func (s *CredentialStore) Open(value string) (plaintext string, legacy bool, err error) {
	if value == "" {
		return "", false, nil
	}
	if !s.IsEncrypted(value) {
		s.logger.Warn("using legacy plaintext credential; re-save or rotate to encrypt it")
		if s.metrics != nil {
			s.metrics.CredentialLegacyPlaintext.Inc()
		}
		return value, true, nil
	}
	if s.keyring == nil {
		return "", false, fmt.Errorf("%w: %w", domain.ErrCredentialCorrupt, errNoKeyring)
	}
	plaintext, keyID, err := s.keyring.Open(value)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", domain.ErrCredentialCorrupt, err)
	}
	s.logger.Debug("credential decrypted", "key_id", keyID)
	return plaintext, false, nil
}

// EncryptProfile seals every secret field of p in place.
func (s *CredentialStore) EncryptProfile(p *domain.CredentialProfile) error {
	for _, secret := range p.Secrets() {
		sealed, err := s.Encrypt(*secret)
		if err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		*secret = sealed
	}
	return nil
}

// DecryptProfile returns a copy of p with every secret in plaintext. The
// result must not be persisted or logged.
func (s *CredentialStore) DecryptProfile(p domain.CredentialProfile) (domain.CredentialProfile, error) {
	if p.Options != nil {
		opts := make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			opts[k] = v
		}
		p.Options = opts
	}
	for _, secret := range p.Secrets() {
		plaintext, legacy, err := s.Open(*secret)
		if err != nil {
			s.logger.Error("credential profile cannot be decrypted",
				"profile", p.Name, "tenant_id", p.TenantID, "error", err)
			return domain.CredentialProfile{}, fmt.Errorf("profile %q for tenant %q: %w", p.Name, p.TenantID, err)
		}
		if legacy {
			s.logger.Warn("credential profile holds a legacy plaintext secret", "profile", p.Name, "tenant_id", p.TenantID)
		}
		*secret = plaintext
	}
	return p, nil
}

// RotationDue reports whether the active key is older than the rotation policy allows.
func (s *CredentialStore) RotationDue(now time.Time) bool {
	if s.keyring == nil {
		return false
	}
	return s.keyring.RotationDue(now, s.rotationAge)
}

// RotateKey re-encrypts every stored profile sealed under oldKey, or stored in
// legacy plaintext, under newKey.
//
// Profiles are visited in id order. Each record is swapped with a
// compare-and-swap on its stored value, so it is either fully rotated or left
// untouched, and the journal records the last visited id after every record.
// Running RotateKey again with the same keys resumes after that id. Records
// already sealed under newKey are skipped, so no record is rotated twice. A
// completed rotation is a no-op unless a profile was saved under oldKey since,
// in which case the whole set is swept again.
func (s *CredentialStore) RotateKey(ctx context.Context, oldKey, newKey string) (RotationReport, error) {
	rotationID := oldKey + "->" + newKey
	report := RotationReport{RotationID: rotationID}

	if s.keyring == nil {
		return report, fmt.Errorf("rotate key: %w", errNoKeyring)
	}
	if oldKey == newKey {
		return report, errors.New("rotate key: old and new key are the same")
	}
	if !s.keyring.Has(oldKey) {
		return report, fmt.Errorf("rotate key: unknown old key %q", oldKey)
	}
	if !s.keyring.Has(newKey) {
		return report, fmt.Errorf("rotate key: unknown new key %q", newKey)
	}

	lastID, done, err := s.journal.Checkpoint(ctx, rotationID)
	if err != nil {
		return report, fmt.Errorf("rotate key: read checkpoint: %w", err)
	}
	if done {
		pending, err := s.pendingUnder(ctx, oldKey)
		if err != nil {
			return report, fmt.Errorf("rotate key: %w", err)
		}
		if !pending {
			report.Completed = true
			s.logger.Info("key rotation already completed", "rotation_id", rotationID)
			return report, nil
		}
		s.logger.Warn("profiles saved under the old key after rotation completed, sweeping again", "rotation_id", rotationID)
		lastID = ""
	}
	report.ResumedAfter = lastID
	s.logger.Info("starting key rotation", "rotation_id", rotationID, "resume_after", lastID)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.profiles.ListAfter(ctx, lastID, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("rotate key: list profiles after %q: %w", lastID, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, p := range batch {
			outcome, err := s.rotateProfile(ctx, p, oldKey, newKey)
			if err != nil {
				s.logger.Error("key rotation stopped", "rotation_id", rotationID, "profile_id", p.ID, "error", err)
				return report, fmt.Errorf("rotate key: profile %s: %w", p.ID, err)
			}
			switch outcome {
			case rotated:
				report.Rotated++
				if s.metrics != nil {
					s.metrics.CredentialRotated.Inc()
				}
			case skipped:
				report.Skipped++
			case conflicted:
				report.Conflicts++
			}
			if err := s.journal.Record(ctx, rotationID, p.ID); err != nil {
				return report, fmt.Errorf("rotate key: record checkpoint %s: %w", p.ID, err)
			}
			lastID = p.ID
		}
	}

	if err := s.journal.Complete(ctx, rotationID); err != nil {
		return report, fmt.Errorf("rotate key: mark complete: %w", err)
	}
	report.Completed = true
	s.logger.Info("key rotation completed", "rotation_id", rotationID,
		"rotated", report.Rotated, "skipped", report.Skipped, "conflicts", report.Conflicts)
	return report, nil
}

// pendingUnder reports whether any stored profile still needs rotating away
// from oldKey: sealed under it, legacy plaintext, or an unreadable envelope.
func (s *CredentialStore) pendingUnder(ctx context.Context, oldKey string) (bool, error) {
	lastID := ""
	for {
		batch, err := s.profiles.ListAfter(ctx, lastID, s.batchSize)
		if err != nil {
			return false, fmt.Errorf("list profiles after %q: %w", lastID, err)
		}
		if len(batch) == 0 {
			return false, nil
		}
		for _, p := range batch {
			if p.Password == "" {
				continue
			}
			if !s.IsEncrypted(p.Password) {
				return true, nil
			}
			if keyID, err := cipher.EnvelopeKeyID(p.Password); err != nil || keyID == oldKey {
				return true, nil
			}
		}
		lastID = batch[len(batch)-1].ID
	}
}

type rotationOutcome int

const (
	skipped rotationOutcome = iota
	rotated
	conflicted
)

func (s *CredentialStore) rotateProfile(ctx context.Context, p domain.CredentialProfile, oldKey, newKey string) (rotationOutcome, error) {
	stored := p.Password
	if stored == "" {
		return skipped, nil
	}

	var plaintext string
	if s.IsEncrypted(stored) {
		keyID, err := cipher.EnvelopeKeyID(stored)
		if err != nil {
			return skipped, fmt.Errorf("%w: %w", domain.ErrCredentialCorrupt, err)
		}
		if keyID != oldKey {
			return skipped, nil
		}
		pt, _, err := s.keyring.Open(stored)
		if err != nil {
			return skipped, fmt.Errorf("%w: %w", domain.ErrCredentialCorrupt, err)
		}
		plaintext = pt
	} else {
		plaintext = stored
	}

	sealed, err := s.keyring.SealWith(newKey, plaintext)
	if err != nil {
		return skipped, err
	}
	swapped, err := s.profiles.SwapPassword(ctx, p.ID, stored, sealed)
	if err != nil {
		return skipped, err
	}
	if !swapped {
		s.logger.Warn("profile changed during rotation, left as saved", "profile_id", p.ID, "tenant_id", p.TenantID)
		return conflicted, nil
	}
	return rotated, nil
}
