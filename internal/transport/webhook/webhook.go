// Package webhook delivers payloads by POSTing them to the destination's
// URL. The destination's chat identifier is the webhook endpoint.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport posts JSON payloads to webhook endpoints.
type Transport struct {
	client HTTPClient
}

// New creates a Transport with the given HTTP client.
func New(client HTTPClient) *Transport {
	return &Transport{client: client}
}

// Send posts the payload to the destination URL. A 2xx response confirms
// delivery; the optional X-Message-Id response header becomes the
// external message identifier.
func (t *Transport) Send(ctx context.Context, dest model.Destination, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.ChatID, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.Header.Get("X-Message-Id"), nil
}
