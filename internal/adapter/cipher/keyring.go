package cipher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EnvelopePrefix marks a value produced by Keyring.Seal.
const EnvelopePrefix = "$tnc1$"

// minEnvelopeLen is the prefix, a one-character key id, the separator and an
// encoded header carrying no ciphertext.
var minEnvelopeLen = len(EnvelopePrefix) + 2 + base64.RawURLEncoding.EncodedLen(headerSize)

var (
	ErrNoKeys           = errors.New("keyring has no keys")
	ErrUnknownKey       = errors.New("no key with that id")
	ErrNotEnvelope      = errors.New("value is not an encrypted envelope")
	ErrNoMatchingKey    = errors.New("no key authenticates the ciphertext")
	errMalformedKeySpec = errors.New("key spec must be id:base64[:YYYY-MM-DD]")
)

// Key is one named data key.
type Key struct {
	ID        string
	CreatedAt time.Time
	cipher    *Symmetric
}

// Keyring holds every key able to decrypt stored credentials; exactly one is active for encryption.
type Keyring struct {
	keys   map[string]*Key
	active string
}

// NewKeyring builds a keyring from raw keys.
func NewKeyring(active string, keys ...*Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	kr := &Keyring{keys: make(map[string]*Key, len(keys)), active: active}
	for _, k := range keys {
		if _, dup := kr.keys[k.ID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", k.ID)
		}
		kr.keys[k.ID] = k
	}
	if _, ok := kr.keys[active]; !ok {
		return nil, fmt.Errorf("active key %q: %w", active, ErrUnknownKey)
	}
	return kr, nil
}

// NewKey wraps 32 raw bytes as a named key.
func NewKey(id string, raw []byte, createdAt time.Time) (*Key, error) {
	if id == "" || strings.ContainsAny(id, "$:") {
		return nil, fmt.Errorf("invalid key id %q", id)
	}
	sym, err := NewSymmetric(raw)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", id, err)
	}
	return &Key{ID: id, CreatedAt: createdAt, cipher: sym}, nil
}

// ParseKeySpecs parses "id:base64[:YYYY-MM-DD]" entries.
func ParseKeySpecs(specs []string) ([]*Key, error) {
	keys := make([]*Key, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(strings.TrimSpace(spec), ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, errMalformedKeySpec
		}
		raw, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("key %s: decode: %w", parts[0], err)
		}
		var created time.Time
		if len(parts) == 3 {
			created, err = time.Parse(time.DateOnly, parts[2])
			if err != nil {
				return nil, fmt.Errorf("key %s: created date: %w", parts[0], err)
			}
		}
		k, err := NewKey(parts[0], raw, created)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (kr *Keyring) ActiveID() string { return kr.active }

func (kr *Keyring) Has(id string) bool {
	_, ok := kr.keys[id]
	return ok
}

// IDs lists key ids in sorted order.
func (kr *Keyring) IDs() []string {
	ids := make([]string, 0, len(kr.keys))
	for id := range kr.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RotationDue reports whether the active key is older than maxAge.
// Keys without a creation date are never due.
func (kr *Keyring) RotationDue(now time.Time, maxAge time.Duration) bool {
	k := kr.keys[kr.active]
	if maxAge <= 0 || k.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(k.CreatedAt) > maxAge
}

// Seal encrypts with the active key.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	return kr.SealWith(kr.active, plaintext)
}

// SealWith encrypts with a specific key. The key id is bound as additional data.
func (kr *Keyring) SealWith(keyID, plaintext string) (string, error) {
	k, ok := kr.keys[keyID]
	if !ok {
		return "", fmt.Errorf("seal with %q: %w", keyID, ErrUnknownKey)
	}
	packed, err := k.cipher.Encrypt([]byte(keyID), []byte(plaintext))
	if err != nil {
		return "", err
	}
	return EnvelopePrefix + keyID + "$" + base64.RawURLEncoding.EncodeToString(packed), nil
}

// Open decrypts an envelope and returns the plaintext and the id of the key that opened it.
// The key named in the envelope is tried first, then every other key.
func (kr *Keyring) Open(envelope string) (string, string, error) {
	keyID, packed, err := parseEnvelope(envelope)
	if err != nil {
		return "", "", err
	}
	if k, ok := kr.keys[keyID]; ok {
		if pt, err := k.cipher.Decrypt([]byte(keyID), packed); err == nil {
			return string(pt), keyID, nil
		}
	}
	for _, id := range kr.IDs() {
		if id == keyID {
			continue
		}
		// AAD is the id written at seal time, so it stays the envelope's id.
		if pt, err := kr.keys[id].cipher.Decrypt([]byte(keyID), packed); err == nil {
			return string(pt), id, nil
		}
	}
	return "", "", ErrNoMatchingKey
}

// EnvelopeKeyID returns the key id written in an envelope header.
func EnvelopeKeyID(envelope string) (string, error) {
	id, _, err := parseEnvelope(envelope)
	return id, err
}

// IsEnvelope is a structural check only; it does not authenticate.
func IsEnvelope(value string) bool {
	_, _, err := parseEnvelope(value)
	return err == nil
}

func parseEnvelope(value string) (string, []byte, error) {
	if len(value) < minEnvelopeLen || !strings.HasPrefix(value, EnvelopePrefix) {
		return "", nil, ErrNotEnvelope
	}
	rest := value[len(EnvelopePrefix):]
	sep := strings.IndexByte(rest, '$')
	if sep <= 0 {
		return "", nil, ErrNotEnvelope
	}
	packed, err := base64.RawURLEncoding.DecodeString(rest[sep+1:])
	if err != nil || len(packed) < headerSize || packed[0] != versionMagic {
		return "", nil, ErrNotEnvelope
	}
	return rest[:sep], packed, nil
}
