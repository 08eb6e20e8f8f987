package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// NewMemoryStores creates a StoreSet backed entirely by process memory.
// Used for tests and single-node development setups.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Channels:     NewMemoryChannelStore(),
		Credentials:  NewMemoryCredentialStore(),
		Integrations: NewMemoryIntegrationStore(),
		StateTokens:  NewMemoryStateTokenStore(),
	}
}

// MemoryChannelStore provides an in-memory ChannelStore.
type MemoryChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*models.Channel
}

// NewMemoryChannelStore creates an in-memory channel store.
func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{channels: make(map[string]*models.Channel)}
}

func (s *MemoryChannelStore) Create(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[ch.ID]; exists {
		return ErrAlreadyExists
	}
	s.channels[ch.ID] = cloneChannel(ch)
	return nil
}

func (s *MemoryChannelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (s *MemoryChannelStore) Update(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[ch.ID]; !exists {
		return ErrNotFound
	}
	s.channels[ch.ID] = cloneChannel(ch)
	return nil
}

func (s *MemoryChannelStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[id]; !exists {
		return ErrNotFound
	}
	delete(s.channels, id)
	return nil
}

func (s *MemoryChannelStore) List(ctx context.Context, filter ChannelFilter) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if filter.OrganizationID != "" && ch.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Kind != "" && ch.Kind != filter.Kind {
			continue
		}
		if filter.State != "" && ch.State != filter.State {
			continue
		}
		if filter.Provider != "" && ch.Provider != filter.Provider {
			continue
		}
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryChannelStore) FindByExternalID(ctx context.Context, provider, externalID string) (*models.Channel, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.Provider == provider && ch.Push.ExternalID == externalID {
			return cloneChannel(ch), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryChannelStore) SetDefault(ctx context.Context, organizationID string, kind models.ChannelKind, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	if target.OrganizationID != organizationID || target.Kind != kind {
		return fmt.Errorf("channel %s does not belong to organization %s kind %s", channelID, organizationID, kind)
	}
	for _, ch := range s.channels {
		if ch.OrganizationID == organizationID && ch.Kind == kind {
			ch.IsDefault = ch.ID == channelID
		}
	}
	return nil
}

func (s *MemoryChannelStore) AdvanceWatermark(ctx context.Context, channelID string, watermark time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if watermark.After(ch.Sync.Watermark) {
		ch.Sync.Watermark = watermark
	}
	return ch.Sync.Watermark, nil
}

func cloneChannel(ch *models.Channel) *models.Channel {
	out := *ch
	if ch.Push.Topics != nil {
		out.Push.Topics = append([]string(nil), ch.Push.Topics...)
	}
	return &out
}

// MemoryCredentialStore provides an in-memory CredentialStore.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*models.Credential
}

// NewMemoryCredentialStore creates an in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]*models.Credential)}
}

func (s *MemoryCredentialStore) Put(ctx context.Context, ref string, cred *models.Credential) error {
	if ref == "" || cred == nil {
		return fmt.Errorf("ref and credential are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ref] = cloneCredential(cred)
	return nil
}

func (s *MemoryCredentialStore) Get(ctx context.Context, ref string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(cred), nil
}

func (s *MemoryCredentialStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[ref]; !ok {
		return ErrNotFound
	}
	delete(s.creds, ref)
	return nil
}

func cloneCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// MemoryIntegrationStore provides an in-memory IntegrationStore.
type MemoryIntegrationStore struct {
	mu           sync.RWMutex
	integrations map[string]*models.OrgIntegration
}

// NewMemoryIntegrationStore creates an in-memory integration store.
func NewMemoryIntegrationStore() *MemoryIntegrationStore {
	return &MemoryIntegrationStore{integrations: make(map[string]*models.OrgIntegration)}
}

func integrationKey(orgID, family string) string {
	return orgID + "/" + family
}

func (s *MemoryIntegrationStore) Upsert(ctx context.Context, integration *models.OrgIntegration) error {
	if integration == nil || integration.OrganizationID == "" || integration.Family == "" {
		return fmt.Errorf("integration organization and family are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *integration
	s.integrations[integrationKey(integration.OrganizationID, integration.Family)] = &cp
	return nil
}

func (s *MemoryIntegrationStore) Get(ctx context.Context, organizationID, family string) (*models.OrgIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integration, ok := s.integrations[integrationKey(organizationID, family)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *integration
	return &cp, nil
}

// MemoryStateTokenStore provides an in-memory StateTokenStore.
type MemoryStateTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*StateToken
}

// NewMemoryStateTokenStore creates an in-memory state token store.
func NewMemoryStateTokenStore() *MemoryStateTokenStore {
	return &MemoryStateTokenStore{tokens: make(map[string]*StateToken)}
}

func (s *MemoryStateTokenStore) Put(ctx context.Context, token *StateToken) error {
	if token == nil || token.Nonce == "" {
		return fmt.Errorf("token nonce is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token.Nonce]; exists {
		return ErrAlreadyExists
	}
	cp := *token
	s.tokens[token.Nonce] = &cp
	return nil
}

func (s *MemoryStateTokenStore) Consume(ctx context.Context, nonce string) (*StateToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.tokens, nonce)
	cp := *token
	return &cp, nil
}

func (s *MemoryStateTokenStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for nonce, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, nonce)
			pruned++
		}
	}
	return pruned, nil
}
