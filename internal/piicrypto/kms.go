package piicrypto

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"creditflow/pkg/sentinel"
)

// KeyManagementClient is the external key-service collaborator. It is
// constructed once at process start and injected; this package never builds
// its own network client.
type KeyManagementClient interface {
	Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
}

// kmsBackend delegates to the managed key service. Transient failures are
// retried with bounded exponential backoff; application errors are not.
type kmsBackend struct {
	client  KeyManagementClient
	keyName string
}

func newKMSBackend(client KeyManagementClient, keyName string) (*kmsBackend, error) {
	if client == nil {
		return nil, errors.New("kms client is required")
	}
	if keyName == "" {
		return nil, errors.New("kms key name is required")
	}
	return &kmsBackend{client: client, keyName: keyName}, nil
}

func (b *kmsBackend) name() string   { return "kms" }
func (b *kmsBackend) prefix() string { return KMSPrefix }

func (b *kmsBackend) encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return b.call(ctx, func(ctx context.Context) ([]byte, error) {
		return b.client.Encrypt(ctx, b.keyName, plaintext)
	})
}

func (b *kmsBackend) decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return b.call(ctx, func(ctx context.Context) ([]byte, error) {
		return b.client.Decrypt(ctx, b.keyName, ciphertext)
	})
}

func (b *kmsBackend) call(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	policy := backoff.WithContext(retryPolicy(), ctx)

	var out []byte
	err := backoff.Retry(func() error {
		result, err := fn(ctx)
		if err != nil {
			if transient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = result
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func retryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second
	return policy
}

func transient(err error) bool {
	if errors.Is(err, sentinel.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
