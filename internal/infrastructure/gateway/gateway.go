// Package gateway holds the provider adapters. Each adapter translates one
// REST API into the normalized payment port; none of them ever decides an
// order's status beyond mapping the provider's raw value.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/observability"
)

const defaultTimeout = 15 * time.Second

// Config is the per-provider wiring read from the environment.
type Config struct {
	BaseURL string
	// APIKey authenticates outbound calls. For providers with a two-part
	// credential (client id + secret) it holds the id and APISecret the secret.
	APIKey    string
	APISecret string
	// WebhookSecret is the shared secret inbound signatures are checked with.
	WebhookSecret string
	// ReturnURL is where the provider redirects the payer's browser.
	ReturnURL string
	CancelURL string
}

// client wraps the shared HTTP plumbing: one timeout policy, one error shape,
// one external-call counter.
type client struct {
	http     *http.Client
	provider string
	ext      observability.Counter // external_requests_total{peer,endpoint,outcome}
}

func newClient(provider string, httpClient *http.Client, tel observability.Observability) client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if tel == nil {
		tel = observability.Nop()
	}
	return client{
		http:     httpClient,
		provider: provider,
		ext:      tel.Metrics().Counter(observability.MExternalRequests),
	}
}

// do sends the request and returns the body for any 2xx answer. Anything else
// becomes a GatewayError carrying the provider's diagnostic, except a 404 on
// lookups which callers translate to ErrPaymentNotFound.
func (c client) do(ctx context.Context, op string, req *http.Request) ([]byte, int, error) {
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(op, err)
		return nil, 0, fmt.Errorf("%s %s: %w", c.provider, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.record(op, err)
		return nil, resp.StatusCode, fmt.Errorf("%s %s: read body: %w", c.provider, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gerr := &payment.GatewayError{
			Provider:   c.provider,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 512),
		}
		c.record(op, gerr)
		return body, resp.StatusCode, gerr
	}

	c.record(op, nil)
	return body, resp.StatusCode, nil
}

func (c client) record(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.ext.Add(1,
		observability.L("peer", c.provider),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func hmacHex(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacBase64(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signaturesEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// parseSignatureHeader splits "k1=v1,k2=v2" headers (stripe and mercadopago
// share the shape) into a map. Repeated keys keep the first value.
func parseSignatureHeader(header string) map[string]string {
	parts := strings.Split(header, ",")
	out := make(map[string]string, len(parts))
	for _, part := range parts {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}
