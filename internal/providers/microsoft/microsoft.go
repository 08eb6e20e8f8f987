// Package microsoft provides the Microsoft 365 email provider, backed by
// the Microsoft Graph API. Mail is pulled by the sync engine; sending,
// folder discovery, and post-processing go through the same Graph surface.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

const (
	// Name is the stable provider identifier.
	Name = "microsoft365"

	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
)

// Scopes are the Graph permissions channel credentials carry.
var Scopes = []string{
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/User.Read",
	"offline_access",
}

// Config holds the Azure AD application registration.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// RedirectURL is the OAuth callback exposed by this deployment.
	RedirectURL string

	// BaseURL overrides the Graph endpoint. Tests point it at a local
	// server; empty means the public API.
	BaseURL string

	// RateLimit is Graph calls per second; RateBurst the burst capacity.
	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
}

// Provider implements the Microsoft 365 capabilities.
type Provider struct {
	oauth      oauth2.Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates the provider.
func New(cfg Config) *Provider {
	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}
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
	return &Provider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/authorize",
				TokenURL: "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token",
			},
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

// AuthCodeURL builds the consent URL carrying the state token.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange swaps an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	token, err := p.oauth.Exchange(p.oauthContext(ctx), code)
	if err != nil {
		return nil, providers.ErrExchange("microsoft token exchange failed", err)
	}
	return credentialFromToken(token), nil
}

// Refresh obtains fresh token material from the stored refresh token.
func (p *Provider) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	src := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
	})
	token, err := src.Token()
	if err != nil {
		return nil, providers.ErrAuthorization("microsoft token refresh failed", err)
	}
	fresh := credentialFromToken(token)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	return fresh, nil
}

func (p *Provider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func credentialFromToken(token *oauth2.Token) *models.Credential {
	return &models.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

// TestConnection verifies the credentials against the mailbox owner
// endpoint.
func (p *Provider) TestConnection(ctx context.Context, cred *models.Credential) error {
	var user struct {
		ID   string `json:"id"`
		Mail string `json:"mail"`
	}
	if err := p.get(ctx, cred, "/me", nil, &user); err != nil {
		return err
	}
	return nil
}

// ListTargets lists the mailbox folders the operator can bind the channel
// to.
func (p *Provider) ListTargets(ctx context.Context, cred *models.Credential) ([]providers.Target, error) {
	var result struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	params := url.Values{}
	params.Set("$top", "100")
	if err := p.get(ctx, cred, "/me/mailFolders", params, &result); err != nil {
		return nil, err
	}
	targets := make([]providers.Target, 0, len(result.Value))
	for _, f := range result.Value {
		targets = append(targets, providers.Target{ID: f.ID, Name: f.DisplayName})
	}
	return targets, nil
}

// graphMessage is a mail item as Graph returns it.
type graphMessage struct {
	ID               string    `json:"id"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Subject          string    `json:"subject"`
	From             struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	HasAttachments bool `json:"hasAttachments"`
}

// FetchSince returns folder items received strictly after since, oldest
// first.
func (p *Provider) FetchSince(ctx context.Context, cred *models.Credential, folder string, since time.Time, limit int) ([]*models.InboundMessage, error) {
	if folder == "" {
		folder = "inbox"
	}
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("$top", strconv.Itoa(limit))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$select", "id,receivedDateTime,subject,from,body,hasAttachments")
	if !since.IsZero() {
		params.Set("$filter", fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339)))
	}

	var result struct {
		Value []graphMessage `json:"value"`
	}
	path := fmt.Sprintf("/me/mailFolders/%s/messages", url.PathEscape(folder))
	if err := p.get(ctx, cred, path, params, &result); err != nil {
		return nil, err
	}

	msgs := make([]*models.InboundMessage, 0, len(result.Value))
	for _, m := range result.Value {
		body := m.Body.Content
		if strings.EqualFold(m.Body.ContentType, "html") {
			body = stripHTMLTags(body)
		}
		inbound := &models.InboundMessage{
			ExternalID:  m.ID,
			ProviderRef: m.ID,
			Folder:      folder,
			Sender: models.Sender{
				Address:     m.From.EmailAddress.Address,
				DisplayName: m.From.EmailAddress.Name,
			},
			Subject:    m.Subject,
			Body:       strings.TrimSpace(body),
			ReceivedAt: m.ReceivedDateTime,
		}
		if m.HasAttachments {
			attachments, err := p.fetchAttachments(ctx, cred, m.ID)
			if err != nil {
				return nil, err
			}
			inbound.Attachments = attachments
		}
		msgs = append(msgs, inbound)
	}
	return msgs, nil
}

func (p *Provider) fetchAttachments(ctx context.Context, cred *models.Credential, messageID string) ([]models.Attachment, error) {
	var result struct {
		Value []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
			Size        int64  `json:"size"`
		} `json:"value"`
	}
	path := fmt.Sprintf("/me/messages/%s/attachments", url.PathEscape(messageID))
	if err := p.get(ctx, cred, path, nil, &result); err != nil {
		return nil, err
	}
	attachments := make([]models.Attachment, 0, len(result.Value))
	for _, a := range result.Value {
		attachments = append(attachments, models.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return attachments, nil
}

// Send delivers an outbound message: a reply into the source thread when
// InReplyTo is set, a new mail otherwise.
func (p *Provider) Send(ctx context.Context, cred *models.Credential, msg *models.OutboundMessage) error {
	if msg.InReplyTo != "" {
		payload := map[string]any{
			"message": map[string]any{
				"body": map[string]any{
					"contentType": "Text",
					"content":     msg.Body,
				},
			},
		}
		path := fmt.Sprintf("/me/messages/%s/reply", url.PathEscape(msg.InReplyTo))
		return p.post(ctx, cred, path, payload, http.StatusAccepted)
	}

	payload := map[string]any{
		"message": map[string]any{
			"subject": msg.Subject,
			"body": map[string]any{
				"contentType": "Text",
				"content":     msg.Body,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]any{"address": msg.To}},
			},
		},
		"saveToSentItems": true,
	}
	return p.post(ctx, cred, "/me/sendMail", payload, http.StatusAccepted)
}

// Dispose applies the post-processing action to a source item.
func (p *Provider) Dispose(ctx context.Context, cred *models.Credential, msg *models.InboundMessage, action models.PostProcessAction, target string) error {
	switch action {
	case models.PostProcessLeave, "":
		return nil
	case models.PostProcessMove:
		payload := map[string]any{"destinationId": target}
		path := fmt.Sprintf("/me/messages/%s/move", url.PathEscape(msg.ProviderRef))
		return p.post(ctx, cred, path, payload, http.StatusCreated)
	case models.PostProcessDelete:
		path := fmt.Sprintf("/me/messages/%s", url.PathEscape(msg.ProviderRef))
		return p.delete(ctx, cred, path)
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
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)
	return p.do(req, cred, out, http.StatusOK)
}

func (p *Provider) post(ctx context.Context, cred *models.Credential, path string, payload any, okStatus int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, cred, nil, okStatus)
}

func (p *Provider) delete(ctx context.Context, cred *models.Credential, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return p.do(req, cred, nil, http.StatusNoContent)
}

func (p *Provider) do(req *http.Request, cred *models.Credential, out any, okStatus int) error {
	if err := p.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.ErrConnection("graph request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != okStatus {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if rerr != nil {
			body = []byte("(failed to read response body)")
		}
		return graphError(resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode graph response: %w", err)
		}
	}
	return nil
}

func graphError(status int, body []byte) error {
	msg := fmt.Sprintf("graph API error %d: %s", status, string(body))
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

// stripHTMLTags removes markup from an HTML body (basic implementation).
func stripHTMLTags(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch r {
		case '<':
			inTag = true
		case '>':
			inTag = false
		default:
			if !inTag {
				result.WriteRune(r)
			}
		}
	}
	return result.String()
}
