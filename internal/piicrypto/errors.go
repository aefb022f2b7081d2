package piicrypto

import "fmt"

// CryptoError wraps any backend failure. Callers must abort the enclosing
// write when a field fails to encrypt; partial writes with plaintext PII are
// never acceptable.
type CryptoError struct {
	Op      string // "encrypt" or "decrypt"
	Backend string // "kms" or "local"
	Err     error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("pii %s via %s backend: %v", e.Op, e.Backend, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }
