package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

const testAppSecret = "app-secret-1"

func testProvider(t *testing.T, variant Variant, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		Variant:     variant,
		AppID:       "app-1",
		AppSecret:   testAppSecret,
		RedirectURL: "https://desk.example.com/oauth/callback",
		BaseURL:     server.URL,
	})
}

func cred() *models.Credential {
	return &models.Credential{AccessToken: "page-token"}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	p := New(Config{Variant: VariantMessenger, AppSecret: testAppSecret})
	body := []byte(`{"object":"page"}`)

	if err := p.VerifySignature(sign(body), body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := p.VerifySignature(sign([]byte("other")), body); err == nil {
		t.Fatal("expected mismatch to be rejected")
	}
	err := p.VerifySignature("md5=abcdef", body)
	if providers.GetErrorCode(err) != providers.ErrCodeWebhookSignature {
		t.Fatalf("expected webhook signature error, got %v", err)
	}
}

func TestParseEventsMessengerEnvelope(t *testing.T) {
	p := New(Config{Variant: VariantMessenger, AppSecret: testAppSecret})
	body := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page-77",
			"time": 1700000000000,
			"messaging": [
				{"sender": {"id": "user-1"}, "timestamp": 1700000001000,
				 "message": {"mid": "mid-1", "text": "hi there"}},
				{"sender": {"id": "user-2"}, "timestamp": 1700000002000,
				 "message": {}}
			]
		}]
	}`)

	events, err := p.ParseEvents(body)
	if err != nil {
		t.Fatalf("ParseEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event (message-less entries skipped), got %d", len(events))
	}
	ev := events[0]
	if ev.ExternalID != "page-77" {
		t.Errorf("external id = %q, want page-77", ev.ExternalID)
	}
	if ev.Message.ExternalID != "mid-1" || ev.Message.Body != "hi there" {
		t.Errorf("unexpected message: %+v", ev.Message)
	}
	if ev.Message.Sender.Address != "user-1" {
		t.Errorf("sender = %q, want user-1", ev.Message.Sender.Address)
	}
	if want := time.UnixMilli(1700000001000).UTC(); !ev.Message.ReceivedAt.Equal(want) {
		t.Errorf("received at = %v, want %v", ev.Message.ReceivedAt, want)
	}
}

func TestParseEventsWhatsAppEnvelope(t *testing.T) {
	p := New(Config{Variant: VariantWhatsApp, AppSecret: testAppSecret})
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-9",
			"changes": [{
				"value": {
					"contacts": [{"wa_id": "15550001111", "profile": {"name": "Dana"}}],
					"messages": [{
						"id": "wamid.1", "from": "15550001111",
						"timestamp": "1700000005",
						"text": {"body": "order status?"}
					}]
				}
			}]
		}]
	}`)

	events, err := p.ParseEvents(body)
	if err != nil {
		t.Fatalf("ParseEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ExternalID != "waba-9" {
		t.Errorf("external id = %q, want waba-9", ev.ExternalID)
	}
	if ev.Message.ExternalID != "wamid.1" || ev.Message.Body != "order status?" {
		t.Errorf("unexpected message: %+v", ev.Message)
	}
	if ev.Message.Sender.DisplayName != "Dana" {
		t.Errorf("display name = %q, want Dana", ev.Message.Sender.DisplayName)
	}
	if want := time.Unix(1700000005, 0).UTC(); !ev.Message.ReceivedAt.Equal(want) {
		t.Errorf("received at = %v, want %v", ev.Message.ReceivedAt, want)
	}
}

func TestParseEventsRejectsGarbage(t *testing.T) {
	p := New(Config{Variant: VariantMessenger, AppSecret: testAppSecret})
	if _, err := p.ParseEvents([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSubscribeRegistersApp(t *testing.T) {
	var gotPath, gotFields, gotAuth string
	p := testProvider(t, VariantMessenger, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		gotFields = form.Get("subscribed_fields")
		w.Write([]byte(`{"success": true}`))
	})

	sub, err := p.Subscribe(context.Background(), cred(), "page-77", "https://desk.example.com/webhooks/messenger", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if gotPath != "/page-77/subscribed_apps" {
		t.Errorf("path = %q", gotPath)
	}
	if gotFields != "messages,messaging_postbacks" {
		t.Errorf("subscribed_fields = %q", gotFields)
	}
	if gotAuth != "Bearer page-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if !sub.ExpiresAt.IsZero() {
		t.Errorf("page subscriptions do not expire, got %v", sub.ExpiresAt)
	}
	if len(sub.Topics) != 2 {
		t.Errorf("topics = %v", sub.Topics)
	}
}

func TestSubscribeSurfacesRejection(t *testing.T) {
	p := testProvider(t, VariantMessenger, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false}`))
	})

	_, err := p.Subscribe(context.Background(), cred(), "page-77", "https://cb", nil)
	if providers.GetErrorCode(err) != providers.ErrCodeConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestSendMessengerReply(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	p := testProvider(t, VariantMessenger, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"message_id": "mid-out"}`))
	})

	err := p.Send(context.Background(), cred(), &models.OutboundMessage{
		To:   "user-1",
		Body: "we shipped it",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/me/messages" {
		t.Errorf("path = %q", gotPath)
	}
	recipient, _ := gotBody["recipient"].(map[string]any)
	if recipient["id"] != "user-1" {
		t.Errorf("recipient = %v", gotBody["recipient"])
	}
	message, _ := gotBody["message"].(map[string]any)
	if message["text"] != "we shipped it" {
		t.Errorf("message = %v", gotBody["message"])
	}
}

func TestSendWhatsAppUsesPhoneNumberID(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	p := testProvider(t, VariantWhatsApp, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"messages": [{"id": "wamid.out"}]}`))
	})

	c := cred()
	c.Extra = map[string]string{"phone_number_id": "phone-42"}
	err := p.Send(context.Background(), c, &models.OutboundMessage{
		To:   "15550001111",
		Body: "on its way",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/phone-42/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["messaging_product"] != "whatsapp" || gotBody["to"] != "15550001111" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestListTargetsReturnsPages(t *testing.T) {
	p := testProvider(t, VariantMessenger, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/accounts" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"data": [
			{"id": "page-77", "name": "Acme Support"},
			{"id": "page-78", "name": "Acme Sales"}
		]}`))
	})

	targets, err := p.ListTargets(context.Background(), cred())
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 2 || targets[0].ID != "page-77" || targets[0].Name != "Acme Support" {
		t.Errorf("targets = %+v", targets)
	}
}

func TestAuthCodeURLUsesFacebookDialog(t *testing.T) {
	p := New(Config{
		Variant:     VariantMessenger,
		AppID:       "app-1",
		AppSecret:   testAppSecret,
		RedirectURL: "https://desk.example.com/oauth/callback",
	})
	u := p.AuthCodeURL("state-abc")
	if !strings.HasPrefix(u, "https://www.facebook.com/v19.0/dialog/oauth") {
		t.Errorf("auth URL = %q", u)
	}
	if !strings.Contains(u, "state=state-abc") {
		t.Errorf("state missing from %q", u)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		code   providers.ErrorCode
	}{
		{http.StatusUnauthorized, providers.ErrCodeAuthorization},
		{http.StatusNotFound, providers.ErrCodeNotFound},
		{http.StatusTooManyRequests, providers.ErrCodeRateLimit},
		{http.StatusBadGateway, providers.ErrCodeConnection},
		{http.StatusBadRequest, providers.ErrCodeSync},
	}
	for _, tc := range cases {
		err := metaError(tc.status, []byte(`{"error": {"message": "nope"}}`))
		if got := providers.GetErrorCode(err); got != tc.code {
			t.Errorf("status %d: got %v, want code %s", tc.status, err, tc.code)
		}
	}
}
