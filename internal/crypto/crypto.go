// Package crypto seals volume images with AES-256-GCM so an exported image
// can leave the host without exposing its sectors.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	// SealMagic prefixes every sealed blob and is bound into the tag as
	// associated data.
	SealMagic = "SFSSEAL1"
)

var (
	ErrInvalidKey    = errors.New("invalid key size")
	ErrNotSealed     = errors.New("not a sealed image")
	ErrDecryptFailed = errors.New("decryption failed")
)

type Sealer struct {
	gcm cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{gcm: gcm}, nil
}

// NewPassphraseSealer derives the key from a passphrase.
func NewPassphraseSealer(passphrase string) (*Sealer, error) {
	return NewSealer(DeriveKey(passphrase))
}

func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// IsSealed reports whether data starts with the seal magic.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(SealMagic))
}

// Seal returns magic || nonce || ciphertext || tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(SealMagic)+NonceSize, len(SealMagic)+NonceSize+len(plaintext)+TagSize)
	copy(out, SealMagic)
	nonce := out[len(SealMagic):]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return s.gcm.Seal(out, nonce, plaintext, []byte(SealMagic)), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) || len(sealed) < s.Overhead() {
		return nil, ErrNotSealed
	}

	nonce := sealed[len(SealMagic) : len(SealMagic)+NonceSize]
	data := sealed[len(SealMagic)+NonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, data, []byte(SealMagic))
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

func (s *Sealer) Overhead() int {
	return len(SealMagic) + NonceSize + TagSize
}
