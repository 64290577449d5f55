// Package email provides the client for the transactional-email
// collaborator used to notify caregivers after a successful report.
//
// Delivery is best-effort by design: failures are for the caller to log,
// never to propagate into the upload state machine.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender dispatches one HTML notification to a list of recipients.
type Sender interface {
	Send(ctx context.Context, recipients []string, subject, htmlBody string) error
}

// Client talks to a Brevo-style transactional email API.
type Client struct {
	endpoint   string
	apiKey     string
	fromName   string
	fromEmail  string
	httpClient *http.Client
}

// NewClient creates an email client sending on behalf of the given
// from-address.
func NewClient(endpoint, apiKey, fromName, fromEmail string) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		fromName:   fromName,
		fromEmail:  fromEmail,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type party struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendRequest struct {
	Sender      party   `json:"sender"`
	To          []party `json:"to"`
	Subject     string  `json:"subject"`
	HTMLContent string  `json:"htmlContent"`
}

// Send implements Sender. An empty recipient list is a no-op, not an
// error.
func (c *Client) Send(ctx context.Context, recipients []string, subject, htmlBody string) error {
	if len(recipients) == 0 {
		return nil
	}

	to := make([]party, 0, len(recipients))
	for _, addr := range recipients {
		to = append(to, party{Email: addr})
	}

	payload, err := json.Marshal(sendRequest{
		Sender:      party{Email: c.fromEmail, Name: c.fromName},
		To:          to,
		Subject:     subject,
		HTMLContent: htmlBody,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("email send failed: status %d: %s", resp.StatusCode, data)
	}

	return nil
}
