package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

func testProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:  "client-1",
		BaseURL:   srv.URL,
		RateLimit: 1000,
		RateBurst: 1000,
	})
}

func cred() *models.Credential {
	return &models.Credential{AccessToken: "token-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestFetchSinceListsThenFetches(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := since.Add(10 * time.Minute)

	p := testProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/me/messages":
			q := r.URL.Query().Get("q")
			if !strings.Contains(q, "label:INBOX") || !strings.Contains(q, "after:"+strconv.FormatInt(since.Unix(), 10)) {
				t.Errorf("query = %q", q)
			}
			// Newest first, as the API returns them.
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "g-2"}, {"id": "g-1"}},
			})
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
			json.NewEncoder(w).Encode(map[string]any{
				"id":           id,
				"internalDate": strconv.FormatInt(newer.UnixMilli(), 10),
				"payload": map[string]any{
					"headers": []map[string]string{
						{"name": "From", "value": `Pat Doe <pat@example.com>`},
						{"name": "Subject", "value": "Printer"},
					},
					"body": map[string]any{"data": b64("help me")},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	msgs, err := p.FetchSince(context.Background(), cred(), "INBOX", since, 10)
	if err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	// Oldest first after the reversal.
	if msgs[0].ExternalID != "g-1" || msgs[1].ExternalID != "g-2" {
		t.Errorf("order = %s, %s", msgs[0].ExternalID, msgs[1].ExternalID)
	}
	m := msgs[0]
	if m.Sender.Address != "pat@example.com" || m.Sender.DisplayName != "Pat Doe" {
		t.Errorf("sender = %+v", m.Sender)
	}
	if m.Body != "help me" {
		t.Errorf("body = %q", m.Body)
	}
	if !m.ReceivedAt.Equal(newer) {
		t.Errorf("received at = %v, want %v", m.ReceivedAt, newer)
	}
}

func TestFetchSinceDropsItemsAtOrBeforeBound(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := testProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/me/messages" {
			json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{{"id": "g-old"}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "g-old",
			"internalDate": strconv.FormatInt(since.UnixMilli(), 10), // exactly at bound
			"payload":      map[string]any{"body": map[string]any{"data": b64("stale")}},
		})
	}))

	msgs, err := p.FetchSince(context.Background(), cred(), "INBOX", since, 10)
	if err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0 (bound is strict)", len(msgs))
	}
}

func TestSendEncodesRFC822(t *testing.T) {
	var gotRaw string
	p := testProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Raw string `json:"raw"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotRaw = body.Raw
		w.WriteHeader(http.StatusOK)
	}))

	err := p.Send(context.Background(), cred(), &models.OutboundMessage{
		To:        "pat@example.com",
		InReplyTo: "orig-id",
		Subject:   "Re: Printer",
		Body:      "try again",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	decoded, err := base64.URLEncoding.DecodeString(gotRaw)
	if err != nil {
		t.Fatalf("raw payload not base64url: %v", err)
	}
	text := string(decoded)
	for _, want := range []string{"To: pat@example.com", "Subject: Re: Printer", "In-Reply-To: <orig-id>", "try again"} {
		if !strings.Contains(text, want) {
			t.Errorf("rfc822 payload missing %q:\n%s", want, text)
		}
	}
}

func TestDisposeMoveSwapsLabels(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	p := testProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	msg := &models.InboundMessage{ExternalID: "g-1", ProviderRef: "g-1", Folder: "INBOX"}

	if err := p.Dispose(context.Background(), cred(), msg, models.PostProcessMove, "Label_7"); err != nil {
		t.Fatalf("Dispose(move) error = %v", err)
	}
	if gotPath != "/users/me/messages/g-1/modify" {
		t.Errorf("path = %s", gotPath)
	}
	add, _ := gotBody["addLabelIds"].([]any)
	remove, _ := gotBody["removeLabelIds"].([]any)
	if len(add) != 1 || add[0] != "Label_7" || len(remove) != 1 || remove[0] != "INBOX" {
		t.Errorf("modify body = %v", gotBody)
	}

	if err := p.Dispose(context.Background(), cred(), msg, models.PostProcessDelete, ""); err != nil {
		t.Fatalf("Dispose(delete) error = %v", err)
	}
	if gotPath != "/users/me/messages/g-1/trash" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestErrorMapping(t *testing.T) {
	p := testProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	err := p.TestConnection(context.Background(), cred())
	if providers.GetErrorCode(err) != providers.ErrCodeRateLimit {
		t.Fatalf("error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeRateLimit)
	}
	if !providers.IsRetryable(err) {
		t.Error("rate-limit errors should be retryable")
	}
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		address string
		display string
	}{
		{`Pat Doe <pat@example.com>`, "pat@example.com", "Pat Doe"},
		{`"Doe, Pat" <pat@example.com>`, "pat@example.com", "Doe, Pat"},
		{`pat@example.com`, "pat@example.com", ""},
	}
	for _, tc := range cases {
		address, display := parseAddress(tc.in)
		if address != tc.address || display != tc.display {
			t.Errorf("parseAddress(%q) = (%q, %q), want (%q, %q)", tc.in, address, display, tc.address, tc.display)
		}
	}
}
