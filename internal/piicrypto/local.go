package piicrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	localIVLength  = 16
	localTagLength = 16
)

// localBackend is authenticated encryption with a key derived once at
// construction. The wire format is base64 of "ivHex:tagHex:cipherHex" so
// values written by earlier deployments decrypt unchanged.
type localBackend struct {
	aead cipher.AEAD
}

func newLocalBackend(secret string) (*localBackend, error) {
	if secret == "" {
		return nil, errors.New("local crypto secret must not be empty")
	}
	key, err := scrypt.Key([]byte(secret), []byte("salt"), 16384, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive local key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init local cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, localIVLength)
	if err != nil {
		return nil, fmt.Errorf("init local cipher: %w", err)
	}
	return &localBackend{aead: aead}, nil
}

func (b *localBackend) name() string   { return "local" }
func (b *localBackend) prefix() string { return LocalPrefix }

func (b *localBackend) encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	iv := make([]byte, localIVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := b.aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-localTagLength]
	tag := sealed[len(sealed)-localTagLength:]

	combined := hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext)
	return []byte(combined), nil
}

func (b *localBackend) decrypt(_ context.Context, payload []byte) ([]byte, error) {
	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 {
		return nil, errors.New("invalid local encrypted format")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != localIVLength {
		return nil, errors.New("invalid local encrypted format")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, errors.New("invalid local encrypted format")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, errors.New("invalid local encrypted format")
	}

	plaintext, err := b.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}
