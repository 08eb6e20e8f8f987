package providers

import (
	"context"
	"testing"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// pollOnly implements Provider plus the poll capabilities, but no webhook
// or authorization support.
type pollOnly struct{}

func (pollOnly) Name() string { return "pollonly" }
func (pollOnly) Capabilities() Capabilities {
	return Capabilities{Transport: TransportPoll, Kind: models.ChannelKindEmail}
}
func (pollOnly) TestConnection(ctx context.Context, cred *models.Credential) error { return nil }

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register(pollOnly{})

	if _, err := r.Resolve("pollonly"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// Lookup is case-insensitive and trims whitespace.
	if _, err := r.Resolve("  PollOnly "); err != nil {
		t.Fatalf("Resolve() with padded name error = %v", err)
	}
	if _, err := r.Resolve("missing"); GetErrorCode(err) != ErrCodeNotFound {
		t.Fatalf("Resolve(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register(pollOnly{})
	r.Register(pollOnly{})
}

func TestCapabilityLookupFailsClosed(t *testing.T) {
	r := NewRegistry()
	r.Register(pollOnly{})

	if _, err := r.TesterFor("pollonly"); err != nil {
		t.Fatalf("TesterFor() error = %v", err)
	}

	if _, err := r.AuthorizerFor("pollonly"); !IsUnsupported(err) {
		t.Fatalf("AuthorizerFor() error = %v, want UNSUPPORTED_OPERATION", err)
	}
	if _, err := r.SubscriberFor("pollonly"); !IsUnsupported(err) {
		t.Fatalf("SubscriberFor() error = %v, want UNSUPPORTED_OPERATION", err)
	}
	if _, err := r.FetcherFor("pollonly"); !IsUnsupported(err) {
		t.Fatalf("FetcherFor() error = %v, want UNSUPPORTED_OPERATION", err)
	}
}

func TestErrorRetryability(t *testing.T) {
	if !IsRetryable(ErrRateLimit("throttled", nil)) {
		t.Fatalf("rate limit errors should be retryable")
	}
	if !IsRetryable(ErrTimeout("deadline", nil)) {
		t.Fatalf("timeout errors should be retryable")
	}
	if IsRetryable(ErrStateToken("consumed", nil)) {
		t.Fatalf("state token errors must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil error is not retryable")
	}
}
