package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize      = 32
	ivSize       = 12
	tagSize      = aes.BlockSize
	versionMagic = byte('G')
	headerSize   = 1 + tagSize + ivSize
)

var (
	ErrShortCiphertext = errors.New("ciphertext is too short")
	ErrBadVersion      = errors.New("ciphertext has unknown version")
)

// Symmetric seals values with AES-256-GCM.
// Packed layout: version magic, tag, iv, ciphertext.
type Symmetric struct {
	aead gocipher.AEAD
}

func NewSymmetric(key []byte) (*Symmetric, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Symmetric{aead: aead}, nil
}

func (s *Symmetric) Encrypt(aad, plainText []byte) ([]byte, error) {
	nonce, err := RandomBytes(ivSize)
	if err != nil {
		return nil, err
	}
	sealed := s.aead.Seal(nil, nonce, plainText, aad)
	return pack(sealed, nonce), nil
}

func (s *Symmetric) Decrypt(aad, packed []byte) ([]byte, error) {
	cipherText, iv, err := unpack(packed)
	if err != nil {
		return nil, err
	}
	return s.aead.Open(nil, iv, cipherText, aad)
}

// RandomBytes reads size bytes from the system CSPRNG.
func RandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func pack(sealed, iv []byte) []byte {
	tagStart := len(sealed) - tagSize
	tag := sealed[tagStart:]
	cipherText := sealed[:tagStart]

	out := make([]byte, headerSize+len(cipherText))
	out[0] = versionMagic
	copy(out[1:], tag)
	copy(out[1+tagSize:], iv[:ivSize])
	copy(out[headerSize:], cipherText)
	return out
}

func unpack(packed []byte) (cipherText, iv []byte, err error) {
	if len(packed) < headerSize {
		return nil, nil, ErrShortCiphertext
	}
	if packed[0] != versionMagic {
		return nil, nil, ErrBadVersion
	}
	tag := packed[1 : 1+tagSize]
	iv = packed[1+tagSize : headerSize]

	// GCM expects the tag appended to the ciphertext.
	cipherText = make([]byte, 0, len(packed)-headerSize+tagSize)
	cipherText = append(cipherText, packed[headerSize:]...)
	cipherText = append(cipherText, tag...)
	return cipherText, iv, nil
}
