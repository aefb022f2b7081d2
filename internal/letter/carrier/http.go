package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"creditflow/internal/letter/models"
	"creditflow/pkg/sentinel"
)

// HTTPClient submits letters to the carrier's REST API. Rate-limit and server
// errors surface as sentinel.ErrUnavailable so the caller's retry policy
// treats them as transient; 4xx responses are application errors and are not
// retried.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewHTTP creates a carrier client against baseURL authenticating with apiKey.
func NewHTTP(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

type letterRequest struct {
	Description string         `json:"description"`
	MailType    string         `json:"mail_type"`
	To          map[string]any `json:"to"`
	From        map[string]any `json:"from"`
	Metadata    map[string]any `json:"metadata"`
}

type letterResponse struct {
	ID             string `json:"id"`
	TrackingNumber string `json:"tracking_number"`
}

func (c *HTTPClient) Send(ctx context.Context, sub Submission) (string, error) {
	payload := letterRequest{
		Description: "dispute letter " + sub.LetterID,
		MailType:    string(sub.MailType),
		To:          addressPayload(sub.RecipientAddress),
		From:        addressPayload(sub.ReturnAddress),
		Metadata:    map[string]any{"letter_id": sub.LetterID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode carrier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/letters", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build carrier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("carrier request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out letterResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode carrier response: %w", err)
		}
		if out.TrackingNumber == "" {
			return "", fmt.Errorf("carrier response for %s carries no tracking number", sub.LetterID)
		}
		return out.TrackingNumber, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("carrier responded %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	default:
		return "", fmt.Errorf("carrier rejected submission with status %d", resp.StatusCode)
	}
}

func addressPayload(a models.Address) map[string]any {
	return map[string]any{
		"name":            a.Name,
		"address_line1":   a.Line1,
		"address_line2":   a.Line2,
		"address_city":    a.City,
		"address_state":   a.State,
		"address_zip":     a.ZipCode,
		"address_country": "US",
	}
}
