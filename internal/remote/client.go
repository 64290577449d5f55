package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pillbox/laporbox/internal/schema"
)

// Client is the HTTP client for the remote document store.
//
// Paths mirror the document addressing scheme:
//
//	GET    /users/{uid}/prescriptions
//	GET    /users/{uid}/prescriptions/{id}
//	PUT    /users/{uid}/prescriptions/{id}
//	DELETE /users/{uid}/prescriptions/{id}
//	POST   /users/{uid}/prescriptions/{id}/reports
//	GET    /users/{uid}/prescriptions/{id}/reports/count?day=YYYY-MM-DD
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a document store client for the given base URL.
// The API key is sent as a bearer token on every request.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetPrescription implements DocumentStore.GetPrescription.
func (c *Client) GetPrescription(ctx context.Context, userID, id string) (*schema.Prescription, error) {
	var p schema.Prescription
	err := c.do(ctx, http.MethodGet, c.prescriptionPath(userID, id), nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPrescription implements DocumentStore.SetPrescription.
func (c *Client) SetPrescription(ctx context.Context, p *schema.Prescription) error {
	return c.do(ctx, http.MethodPut, c.prescriptionPath(p.UserID, p.ID), p, nil)
}

// DeletePrescription implements DocumentStore.DeletePrescription.
func (c *Client) DeletePrescription(ctx context.Context, userID, id string) error {
	err := c.do(ctx, http.MethodDelete, c.prescriptionPath(userID, id), nil, nil)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// ListPrescriptions implements DocumentStore.ListPrescriptions.
func (c *Client) ListPrescriptions(ctx context.Context, userID string) ([]*schema.Prescription, error) {
	var out []*schema.Prescription
	path := fmt.Sprintf("/users/%s/prescriptions", url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddReport implements DocumentStore.AddReport. The append, the counter
// increment, and the last-reported timestamp are applied server-side as a
// single batch.
func (c *Client) AddReport(ctx context.Context, userID, prescriptionID, imageURL string) error {
	body := map[string]string{
		"user_id":   userID,
		"image_url": imageURL,
	}
	path := c.prescriptionPath(userID, prescriptionID) + "/reports"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// CountReportsOn implements DocumentStore.CountReportsOn.
func (c *Client) CountReportsOn(ctx context.Context, userID, prescriptionID string, day time.Time) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	path := fmt.Sprintf("%s/reports/count?day=%s",
		c.prescriptionPath(userID, prescriptionID), day.Format("2006-01-02"))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) prescriptionPath(userID, id string) string {
	return fmt.Sprintf("/users/%s/prescriptions/%s", url.PathEscape(userID), url.PathEscape(id))
}

// do performs one JSON request/response round trip.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request %s %s failed: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
