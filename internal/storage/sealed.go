package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCorrupt is returned when a sealed value cannot be opened.
var ErrCorrupt = errors.New("storage: sealed value corrupt or key mismatch")

// Sealed wraps a Backend and encrypts values with XChaCha20-Poly1305. The
// key name is bound as associated data so a value cannot be replayed under
// another key. Keys themselves are stored in clear.
type Sealed struct {
	inner Backend
	aead  cipher.AEAD
}

// NewSealed derives a 256-bit key from secret and wraps inner.
func NewSealed(inner Backend, secret []byte) (*Sealed, error) {
	if len(secret) == 0 {
		return nil, errors.New("storage: empty encryption secret")
	}
	key := blake2b.Sum256(secret)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("storage: init cipher: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) seal(key string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("storage: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (s *Sealed) open(key string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrCorrupt
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(key))
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.open(key, v)
}

func (s *Sealed) Put(ctx context.Context, key string, value []byte) error {
	v, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, key, v)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := s.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		plain, err := s.open(entries[i].Key, entries[i].Value)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", entries[i].Key, err)
		}
		entries[i].Value = plain
	}
	return entries, nil
}

func (s *Sealed) Close() error { return s.inner.Close() }
