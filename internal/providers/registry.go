package providers

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps provider identifiers to Provider implementations. It is
// populated once at startup and read-only afterwards, so lookups are
// lock-free.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering two providers under the same name
// is a wiring bug and panics at startup rather than shadowing silently.
func (r *Registry) Register(p Provider) {
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		panic("providers: registered provider with empty name")
	}
	if _, exists := r.providers[name]; exists {
		panic(fmt.Sprintf("providers: duplicate registration for %q", name))
	}
	r.providers[name] = p
}

// Resolve returns the provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrNotFound(fmt.Sprintf("unknown provider %q", name), nil)
	}
	return p, nil
}

// Names returns the registered provider identifiers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capability lookups. Each resolves the provider and asserts the capability,
// failing closed with a typed unsupported-operation error.

// AuthorizerFor returns the provider's Authorizer capability.
func (r *Registry) AuthorizerFor(name string) (Authorizer, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	a, ok := p.(Authorizer)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "authorize")
	}
	return a, nil
}

// TesterFor returns the provider's ConnectionTester capability.
func (r *Registry) TesterFor(name string) (ConnectionTester, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	t, ok := p.(ConnectionTester)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "testConnection")
	}
	return t, nil
}

// DiscovererFor returns the provider's TargetDiscoverer capability.
func (r *Registry) DiscovererFor(name string) (TargetDiscoverer, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	d, ok := p.(TargetDiscoverer)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "discoverTargets")
	}
	return d, nil
}

// FetcherFor returns the provider's Fetcher capability.
func (r *Registry) FetcherFor(name string) (Fetcher, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, ok := p.(Fetcher)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "fetchSince")
	}
	return f, nil
}

// SenderFor returns the provider's Sender capability.
func (r *Registry) SenderFor(name string) (Sender, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	s, ok := p.(Sender)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "sendMessage")
	}
	return s, nil
}

// PostProcessorFor returns the provider's PostProcessor capability.
func (r *Registry) PostProcessorFor(name string) (PostProcessor, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	pp, ok := p.(PostProcessor)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "postProcess")
	}
	return pp, nil
}

// SubscriberFor returns the provider's WebhookSubscriber capability.
func (r *Registry) SubscriberFor(name string) (WebhookSubscriber, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	s, ok := p.(WebhookSubscriber)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "subscribeWebhook")
	}
	return s, nil
}

// ParserFor returns the provider's EventParser capability.
func (r *Registry) ParserFor(name string) (EventParser, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	ep, ok := p.(EventParser)
	if !ok {
		return nil, ErrUnsupported(p.Name(), "parseEvents")
	}
	return ep, nil
}
