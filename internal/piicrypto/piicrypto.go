// Package piicrypto encrypts, hashes, and masks personally identifiable
// information. Ciphertext self-identifies its backend with a fixed prefix so
// decryption dispatches without configuration lookups, and values written
// before encryption was rolled out pass through decrypt unchanged.
package piicrypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// Ciphertext prefixes. A prefixed value is opaque to every caller except
// this package.
const (
	KMSPrefix   = "enc:KMS:"
	LocalPrefix = "enc:LOCAL:"
)

type backend interface {
	name() string
	prefix() string
	encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	decrypt(ctx context.Context, payload []byte) ([]byte, error)
}

// Cipher is the PII encryption facade. New ciphertext is produced by the
// primary backend; decryption dispatches on prefix across every registered
// backend so data written under a different deployment mode still reads.
type Cipher struct {
	primary  backend
	backends map[string]backend // prefix -> backend
}

// NewLocal builds a Cipher using only the local authenticated-encryption
// backend. Intended for development and single-node deployments.
func NewLocal(secret string) (*Cipher, error) {
	local, err := newLocalBackend(secret)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		primary:  local,
		backends: map[string]backend{local.prefix(): local},
	}, nil
}

// NewKMS builds a Cipher that encrypts through the managed key service. The
// local backend stays registered for decryption so records written in local
// mode remain readable after a deployment switches to KMS.
func NewKMS(client KeyManagementClient, keyName, localSecret string) (*Cipher, error) {
	kms, err := newKMSBackend(client, keyName)
	if err != nil {
		return nil, err
	}
	local, err := newLocalBackend(localSecret)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		primary: kms,
		backends: map[string]backend{
			kms.prefix():   kms,
			local.prefix(): local,
		},
	}, nil
}

// IsEncrypted reports whether the value carries a recognized backend prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, KMSPrefix) || strings.HasPrefix(value, LocalPrefix)
}

// Encrypt returns the value encrypted under the primary backend. Empty and
// already-encrypted values are returned unchanged, so retried writes never
// double-encrypt.
func (c *Cipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	payload, err := c.primary.encrypt(ctx, []byte(plaintext))
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Backend: c.primary.name(), Err: err}
	}
	return c.primary.prefix() + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt dispatches on the ciphertext prefix. A value with no recognized
// prefix is returned as-is: unencrypted legacy records coexist with
// encrypted ones during migration. That pass-through means plaintext PII can
// survive in storage until a re-encryption backfill runs.
func (c *Cipher) Decrypt(ctx context.Context, value string) (string, error) {
	if value == "" {
		return value, nil
	}
	for prefix, b := range c.backends {
		if !strings.HasPrefix(value, prefix) {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
		if err != nil {
			return "", &CryptoError{Op: "decrypt", Backend: b.name(), Err: err}
		}
		plaintext, err := b.decrypt(ctx, payload)
		if err != nil {
			return "", &CryptoError{Op: "decrypt", Backend: b.name(), Err: err}
		}
		return string(plaintext), nil
	}
	if IsEncrypted(value) {
		return "", &CryptoError{Op: "decrypt", Backend: "unknown", Err: errors.New("no backend registered for ciphertext prefix")}
	}
	return value, nil
}

// EncryptFields returns a copy of the record with each allowlisted string
// field encrypted. A failure on any field aborts the whole operation.
func (c *Cipher) EncryptFields(ctx context.Context, record map[string]any, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, field := range fields {
		value, ok := out[field].(string)
		if !ok {
			continue
		}
		encrypted, err := c.Encrypt(ctx, value)
		if err != nil {
			return nil, err
		}
		out[field] = encrypted
	}
	return out, nil
}

// DecryptFields returns a copy of the record with each allowlisted encrypted
// string field decrypted.
func (c *Cipher) DecryptFields(ctx context.Context, record map[string]any, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, field := range fields {
		value, ok := out[field].(string)
		if !ok || !IsEncrypted(value) {
			continue
		}
		decrypted, err := c.Decrypt(ctx, value)
		if err != nil {
			return nil, err
		}
		out[field] = decrypted
	}
	return out, nil
}

// Hash produces a stable one-way digest for duplicate detection without
// decrypting. Input is lowercased and trimmed first so formatting noise does
// not defeat matching.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}

// Mask hides all but the trailing visible characters for display, e.g. an
// SSN fragment renders as ****1234. Values at or under the visible length
// are returned unchanged.
func Mask(value string, visible int) string {
	if value == "" || len(value) <= visible {
		return value
	}
	return strings.Repeat("*", len(value)-visible) + value[len(value)-visible:]
}
