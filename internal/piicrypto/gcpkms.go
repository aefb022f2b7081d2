package piicrypto

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"creditflow/pkg/sentinel"
)

// GCPKeyManagementClient adapts Cloud KMS to the KeyManagementClient
// interface. gRPC unavailability is translated to sentinel.ErrUnavailable so
// the backend's retry policy recognizes it as transient.
type GCPKeyManagementClient struct {
	client *kms.KeyManagementClient
}

// NewGCPKeyManagementClient dials Cloud KMS using ambient credentials.
func NewGCPKeyManagementClient(ctx context.Context) (*GCPKeyManagementClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial cloud kms: %w", err)
	}
	return &GCPKeyManagementClient{client: client}, nil
}

func (c *GCPKeyManagementClient) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      keyName,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, translateGRPC("encrypt", err)
	}
	return resp.GetCiphertext(), nil
}

func (c *GCPKeyManagementClient) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, translateGRPC("decrypt", err)
	}
	return resp.GetPlaintext(), nil
}

// Close releases the underlying gRPC connection.
func (c *GCPKeyManagementClient) Close() error {
	return c.client.Close()
}

func translateGRPC(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return fmt.Errorf("cloud kms %s: %v: %w", op, err, sentinel.ErrUnavailable)
	}
	return fmt.Errorf("cloud kms %s: %w", op, err)
}
