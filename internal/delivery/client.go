package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/compliflow/claimrelay/internal/models"
)

// maxErrorBody bounds how much of a failure response is kept as detail.
const maxErrorBody = 512

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Class      Class
	StatusCode int // 0 when no response was received
	Detail     string
	Duration   time.Duration
}

// Client posts webhook payloads. One attempt is bounded by the configured
// timeout; redirects are not followed, since a redirected webhook is a
// misconfigured registration.
type Client struct {
	http       *http.Client
	hmacSecret string
}

// NewClient creates a delivery client. hmacSecret may be empty, which
// disables payload signing.
func NewClient(timeout time.Duration, hmacSecret string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		hmacSecret: hmacSecret,
	}
}

// Deliver posts the record's payload to its destination and classifies the
// result. It never returns an error: every failure mode is an Outcome.
func (c *Client) Deliver(ctx context.Context, rec *models.WebhookRecord) Outcome {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.WebhookURL, bytes.NewReader(rec.Payload))
	if err != nil {
		return Outcome{
			Class:    ClassInvalidURL,
			Detail:   err.Error(),
			Duration: time.Since(start),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", rec.WebhookID)
	req.Header.Set("X-Reference-ID", rec.ReferenceID)
	req.Header.Set("X-Correlation-Id", rec.CorrelationID)
	// The claim transition increments Attempts before the send, so the
	// record already counts this try.
	req.Header.Set("X-Attempt", strconv.Itoa(rec.Attempts))
	if c.hmacSecret != "" {
		req.Header.Set("X-Signature", c.sign(rec.Payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{
			Class:    classifyTransportError(err),
			Detail:   err.Error(),
			Duration: time.Since(start),
		}
	}
	defer resp.Body.Close()

	out := Outcome{
		Class:      ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}
	if out.Class != ClassSuccess {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		out.Detail = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return out
}

// sign returns the hex HMAC-SHA256 of the payload under the shared secret.
func (c *Client) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(c.hmacSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// classifyTransportError separates timeouts from everything else that
// prevented a response.
func classifyTransportError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassConnectionError
}
