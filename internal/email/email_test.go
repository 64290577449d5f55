package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestSend verifies the request shape: api key header, sender identity,
// recipient list, and HTML body.
func TestSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("api-key"); key != "secret" {
			t.Errorf("api-key = %q", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request failed: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "LaporBox", "laporbox.app@gmail.com")
	err := c.Send(context.Background(),
		[]string{"klinik@example.com", "keluarga@example.com"},
		"Laporan Baru", "<html><body>isi</body></html>")
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if got.Sender.Email != "laporbox.app@gmail.com" || got.Sender.Name != "LaporBox" {
		t.Errorf("sender = %+v", got.Sender)
	}
	if len(got.To) != 2 || got.To[0].Email != "klinik@example.com" {
		t.Errorf("recipients = %+v", got.To)
	}
	if got.Subject != "Laporan Baru" || got.HTMLContent == "" {
		t.Errorf("subject/body = %q/%q", got.Subject, got.HTMLContent)
	}
}

// TestSendNoRecipients verifies the empty-list no-op never hits the API.
func TestSendNoRecipients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent despite empty recipient list")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "LaporBox", "laporbox.app@gmail.com")
	if err := c.Send(context.Background(), nil, "subject", "body"); err != nil {
		t.Errorf("Send() failed: %v", err)
	}
}

// TestSendServerError verifies non-2xx responses surface as errors.
func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad", "LaporBox", "laporbox.app@gmail.com")
	if err := c.Send(context.Background(), []string{"a@example.com"}, "s", "b"); err == nil {
		t.Error("Send() succeeded on a 401")
	}
}
