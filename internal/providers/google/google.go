// Package google provides the Gmail email provider. The sync engine polls
// labels via the Gmail REST API; replies go out as RFC 822 payloads through
// the same surface.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

const (
	// Name is the stable provider identifier.
	Name = "gmail"

	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
)

// Scopes are the Gmail permissions channel credentials carry.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.send",
}

// Config holds the Google Cloud OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// BaseURL overrides the Gmail endpoint for tests.
	BaseURL string

	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
}

// Provider implements the Gmail capabilities.
type Provider struct {
	oauth      oauth2.Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates the provider.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
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
	return &Provider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     googleoauth.Endpoint,
		},
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		RequiresOAuth: true,
		Transport:     providers.TransportPoll,
		Kind:          models.ChannelKindEmail,
	}
}

// AuthCodeURL builds the consent URL. Offline access plus forced consent so
// Google returns a refresh token.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange swaps an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	token, err := p.oauth.Exchange(p.oauthContext(ctx), code)
	if err != nil {
		return nil, providers.ErrExchange("google token exchange failed", err)
	}
	return &models.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

// Refresh obtains fresh token material from the stored refresh token.
func (p *Provider) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	src := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, providers.ErrAuthorization("google token refresh failed", err)
	}
	fresh := &models.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	return fresh, nil
}

func (p *Provider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// TestConnection verifies the credentials against the profile endpoint.
func (p *Provider) TestConnection(ctx context.Context, cred *models.Credential) error {
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	return p.get(ctx, cred, "/users/me/profile", nil, &profile)
}

// ListTargets lists Gmail labels as bindable folders.
func (p *Provider) ListTargets(ctx context.Context, cred *models.Credential) ([]providers.Target, error) {
	var result struct {
		Labels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := p.get(ctx, cred, "/users/me/labels", nil, &result); err != nil {
		return nil, err
	}
	targets := make([]providers.Target, 0, len(result.Labels))
	for _, l := range result.Labels {
		targets = append(targets, providers.Target{ID: l.ID, Name: l.Name})
	}
	return targets, nil
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Body struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Filename string `json:"filename"`
			Body     struct {
				Data string `json:"data"`
				Size int64  `json:"size"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

// FetchSince lists label items newer than since, oldest first. Gmail's
// list endpoint returns ids; each message is fetched individually.
func (p *Provider) FetchSince(ctx context.Context, cred *models.Credential, folder string, since time.Time, limit int) ([]*models.InboundMessage, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if limit <= 0 {
		limit = 50
	}
	query := "label:" + folder
	if !since.IsZero() {
		// after: has second granularity and is inclusive; the per-message
		// timestamp check below restores the strict bound.
		query += " after:" + strconv.FormatInt(since.Unix(), 10)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", strconv.Itoa(limit))

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := p.get(ctx, cred, "/users/me/messages", params, &list); err != nil {
		return nil, err
	}

	msgs := make([]*models.InboundMessage, 0, len(list.Messages))
	// The list endpoint returns newest first.
	for i := len(list.Messages) - 1; i >= 0; i-- {
		var gm gmailMessage
		path := "/users/me/messages/" + url.PathEscape(list.Messages[i].ID)
		if err := p.get(ctx, cred, path, url.Values{"format": []string{"full"}}, &gm); err != nil {
			return nil, err
		}
		msg := decodeGmailMessage(&gm, folder)
		if !since.IsZero() && !msg.ReceivedAt.After(since) {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeGmailMessage(gm *gmailMessage, folder string) *models.InboundMessage {
	header := func(name string) string {
		for _, h := range gm.Payload.Headers {
			if strings.EqualFold(h.Name, name) {
				return h.Value
			}
		}
		return ""
	}

	body := decodeBase64URL(gm.Payload.Body.Data)
	var attachments []models.Attachment
	for _, part := range gm.Payload.Parts {
		if part.Filename != "" {
			attachments = append(attachments, models.Attachment{
				Name:        part.Filename,
				ContentType: part.MimeType,
				Size:        part.Body.Size,
			})
			continue
		}
		if body == "" && strings.HasPrefix(part.MimeType, "text/plain") {
			body = decodeBase64URL(part.Body.Data)
		}
	}

	received := time.Time{}
	if ms, err := strconv.ParseInt(gm.InternalDate, 10, 64); err == nil {
		received = time.UnixMilli(ms).UTC()
	}

	address, display := parseAddress(header("From"))
	return &models.InboundMessage{
		ExternalID:  gm.ID,
		ProviderRef: gm.ID,
		Folder:      folder,
		Sender:      models.Sender{Address: address, DisplayName: display},
		Subject:     header("Subject"),
		Body:        strings.TrimSpace(body),
		Attachments: attachments,
		ReceivedAt:  received,
	}
}

// Send delivers an RFC 822 payload through the send endpoint. Replies
// thread via the In-Reply-To header.
func (p *Provider) Send(ctx context.Context, cred *models.Credential, msg *models.OutboundMessage) error {
	var raw strings.Builder
	fmt.Fprintf(&raw, "To: %s\r\n", msg.To)
	if msg.Subject != "" {
		fmt.Fprintf(&raw, "Subject: %s\r\n", msg.Subject)
	}
	if msg.InReplyTo != "" {
		fmt.Fprintf(&raw, "In-Reply-To: <%s>\r\n", msg.InReplyTo)
		fmt.Fprintf(&raw, "References: <%s>\r\n", msg.InReplyTo)
	}
	raw.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	raw.WriteString(msg.Body)

	payload := map[string]any{
		"raw": base64.URLEncoding.EncodeToString([]byte(raw.String())),
	}
	return p.post(ctx, cred, "/users/me/messages/send", payload)
}

// Dispose applies the post-processing action: move swaps labels, delete
// trashes the message.
func (p *Provider) Dispose(ctx context.Context, cred *models.Credential, msg *models.InboundMessage, action models.PostProcessAction, target string) error {
	switch action {
	case models.PostProcessLeave, "":
		return nil
	case models.PostProcessMove:
		payload := map[string]any{
			"removeLabelIds": []string{msg.Folder},
			"addLabelIds":    []string{target},
		}
		path := "/users/me/messages/" + url.PathEscape(msg.ProviderRef) + "/modify"
		return p.post(ctx, cred, path, payload)
	case models.PostProcessDelete:
		path := "/users/me/messages/" + url.PathEscape(msg.ProviderRef) + "/trash"
		return p.post(ctx, cred, path, nil)
	default:
		return providers.ErrInvalidInput(fmt.Sprintf("unknown post-process action %q", action), nil)
	}
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

func (p *Provider) post(ctx context.Context, cred *models.Credential, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, cred, nil)
}

func (p *Provider) do(req *http.Request, cred *models.Credential, out any) error {
	if err := p.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.ErrConnection("gmail request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if rerr != nil {
			body = []byte("(failed to read response body)")
		}
		return gmailError(resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode gmail response: %w", err)
		}
	}
	return nil
}

func gmailError(status int, body []byte) error {
	msg := fmt.Sprintf("gmail API error %d: %s", status, string(body))
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

func decodeBase64URL(s string) string {
	if s == "" {
		return ""
	}
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ""
	}
	return string(data)
}

// parseAddress splits "Name <addr>" into its parts.
func parseAddress(from string) (address, display string) {
	from = strings.TrimSpace(from)
	if i := strings.LastIndex(from, "<"); i >= 0 && strings.HasSuffix(from, ">") {
		display = strings.Trim(strings.TrimSpace(from[:i]), `"`)
		address = strings.TrimSuffix(from[i+1:], ">")
		return address, display
	}
	return from, ""
}
