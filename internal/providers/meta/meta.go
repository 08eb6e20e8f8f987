// Package meta provides the Meta messaging providers: Facebook Messenger,
// Instagram Direct, and WhatsApp Business, all speaking the Meta Graph
// webhook and Send API surfaces. The three are registered as separate
// providers sharing one implementation; which envelope a payload carries
// is keyed off its object field.
package meta

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// Variant selects which Meta surface a provider instance speaks.
type Variant string

const (
	VariantMessenger Variant = "messenger"
	VariantInstagram Variant = "instagram"
	VariantWhatsApp  Variant = "whatsapp"
)

// IntegrationFamily is the org-level integration all Meta channels
// require before authorization.
const IntegrationFamily = "meta"

const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// Config holds the Meta app registration.
type Config struct {
	Variant Variant

	AppID     string
	AppSecret string

	RedirectURL string

	// BaseURL overrides the Graph endpoint for tests.
	BaseURL string

	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
}

// Provider implements one Meta messaging surface.
type Provider struct {
	variant    Variant
	appSecret  string
	oauth      oauth2.Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a provider for the given variant.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	scopes := []string{"pages_show_list", "pages_messaging", "pages_manage_metadata"}
	switch cfg.Variant {
	case VariantInstagram:
		scopes = append(scopes, "instagram_basic", "instagram_manage_messages")
	case VariantWhatsApp:
		scopes = []string{"whatsapp_business_management", "whatsapp_business_messaging"}
	}
	return &Provider{
		variant:   cfg.Variant,
		appSecret: cfg.AppSecret,
		oauth: oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
				TokenURL: baseURL + "/oauth/access_token",
			},
		},
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (p *Provider) Name() string { return string(p.variant) }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		RequiresOAuth:            true,
		Transport:                providers.TransportPush,
		RequiresPriorIntegration: true,
		IntegrationFamily:        IntegrationFamily,
		Kind:                     models.ChannelKindMessaging,
	}
}

// AuthCodeURL builds the Facebook Login dialog URL.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange swaps an authorization code for a user access token.
func (p *Provider) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	token, err := p.oauth.Exchange(p.oauthContext(ctx), code)
	if err != nil {
		return nil, providers.ErrExchange("meta token exchange failed", err)
	}
	return &models.Credential{
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
	}, nil
}

// Refresh extends a long-lived token via the fb_exchange_token grant. Meta
// issues no refresh tokens; the current access token is the input.
func (p *Provider) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", p.oauth.ClientID)
	params.Set("client_secret", p.oauth.ClientSecret)
	params.Set("fb_exchange_token", cred.AccessToken)

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := p.get(ctx, cred, "/oauth/access_token", params, &result); err != nil {
		return nil, providers.ErrAuthorization("meta token refresh failed", err)
	}
	fresh := &models.Credential{AccessToken: result.AccessToken, Extra: cred.Extra}
	if result.ExpiresIn > 0 {
		fresh.Expiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return fresh, nil
}

func (p *Provider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// TestConnection verifies the token against the token owner endpoint.
func (p *Provider) TestConnection(ctx context.Context, cred *models.Credential) error {
	var me struct {
		ID string `json:"id"`
	}
	return p.get(ctx, cred, "/me", nil, &me)
}

// ListTargets lists the pages (or WhatsApp numbers) the operator can bind
// the channel to.
func (p *Provider) ListTargets(ctx context.Context, cred *models.Credential) ([]providers.Target, error) {
	path := "/me/accounts"
	if p.variant == VariantWhatsApp {
		path = "/me/phone_numbers"
	}
	var result struct {
		Data []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"verified_name"`
		} `json:"data"`
	}
	if err := p.get(ctx, cred, path, nil, &result); err != nil {
		return nil, err
	}
	targets := make([]providers.Target, 0, len(result.Data))
	for _, d := range result.Data {
		name := d.Name
		if name == "" {
			name = d.DisplayName
		}
		targets = append(targets, providers.Target{ID: d.ID, Name: name})
	}
	return targets, nil
}

// Subscribe binds the app's webhook to the page. Meta page subscriptions
// do not expire, so the returned subscription carries no expiry.
func (p *Provider) Subscribe(ctx context.Context, cred *models.Credential, externalID, callbackURL string, topics []string) (*providers.Subscription, error) {
	if len(topics) == 0 {
		topics = p.defaultTopics()
	}
	params := url.Values{}
	params.Set("subscribed_fields", strings.Join(topics, ","))
	path := "/" + url.PathEscape(externalID) + "/subscribed_apps"
	var result struct {
		Success bool `json:"success"`
	}
	if err := p.postForm(ctx, cred, path, params, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, providers.ErrConnection("meta rejected the webhook subscription", nil)
	}
	return &providers.Subscription{
		ExternalID:  externalID,
		Topics:      topics,
		CallbackURL: callbackURL,
	}, nil
}

func (p *Provider) defaultTopics() []string {
	if p.variant == VariantWhatsApp {
		return []string{"messages"}
	}
	return []string{"messages", "messaging_postbacks"}
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// payload using the app secret.
func (p *Provider) VerifySignature(signature string, body []byte) error {
	if !strings.HasPrefix(signature, "sha256=") {
		return providers.ErrWebhookSignature("missing or malformed signature header", nil)
	}
	mac := hmac.New(sha256.New, []byte(p.appSecret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(want)) {
		return providers.ErrWebhookSignature("payload signature mismatch", nil)
	}
	return nil
}

// webhookEnvelope covers both page-style and WhatsApp-style payloads.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID  string `json:"mid"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseEvents decodes a verified payload into inbound events.
func (p *Provider) ParseEvents(body []byte) ([]providers.Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}

	var events []providers.Event
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			if m.Message.MID == "" {
				continue
			}
			events = append(events, providers.Event{
				ExternalID: entry.ID,
				Message: &models.InboundMessage{
					ExternalID:  m.Message.MID,
					ProviderRef: m.Message.MID,
					Sender:      models.Sender{Address: m.Sender.ID},
					Body:        m.Message.Text,
					ReceivedAt:  time.UnixMilli(m.Timestamp).UTC(),
				},
			})
		}
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.ID == "" {
					continue
				}
				received := time.Time{}
				if secs, err := parseUnixSeconds(m.Timestamp); err == nil {
					received = secs
				}
				events = append(events, providers.Event{
					ExternalID: entry.ID,
					Message: &models.InboundMessage{
						ExternalID:  m.ID,
						ProviderRef: m.ID,
						Sender:      models.Sender{Address: m.From, DisplayName: names[m.From]},
						Body:        m.Text.Body,
						ReceivedAt:  received,
					},
				})
			}
		}
	}
	return events, nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// Send delivers an outbound reply through the Send API. The recipient is
// the external user id the inbound event carried.
func (p *Provider) Send(ctx context.Context, cred *models.Credential, msg *models.OutboundMessage) error {
	if p.variant == VariantWhatsApp {
		sender := "me"
		if cred.Extra != nil && cred.Extra["phone_number_id"] != "" {
			sender = cred.Extra["phone_number_id"]
		}
		payload := map[string]any{
			"messaging_product": "whatsapp",
			"to":                msg.To,
			"type":              "text",
			"text":              map[string]any{"body": msg.Body},
		}
		return p.postJSON(ctx, cred, "/"+url.PathEscape(sender)+"/messages", payload, nil)
	}

	payload := map[string]any{
		"recipient":      map[string]any{"id": msg.To},
		"message":        map[string]any{"text": msg.Body},
		"messaging_type": "RESPONSE",
	}
	return p.postJSON(ctx, cred, "/me/messages", payload, nil)
}

func (p *Provider) get(ctx context.Context, cred *models.Credential, path string, params url.Values, out any) error {
	fullURL := p.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return p.do(req, cred, out)
}

func (p *Provider) postForm(ctx context.Context, cred *models.Credential, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req, cred, out)
}

func (p *Provider) postJSON(ctx context.Context, cred *models.Credential, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, cred, out)
}

func (p *Provider) do(req *http.Request, cred *models.Credential, out any) error {
	if err := p.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.ErrConnection("meta graph request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if rerr != nil {
			body = []byte("(failed to read response body)")
		}
		return metaError(resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode meta response: %w", err)
		}
	}
	return nil
}

func metaError(status int, body []byte) error {
	msg := fmt.Sprintf("meta graph API error %d: %s", status, string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return providers.ErrAuthorization(msg, nil)
	case status == http.StatusNotFound:
		return providers.ErrNotFound(msg, nil)
	case status == http.StatusTooManyRequests:
		return providers.ErrRateLimit(msg, nil)
	case status >= 500:
		return providers.ErrConnection(msg, nil)
	default:
		return providers.ErrSync(msg, nil)
	}
}
