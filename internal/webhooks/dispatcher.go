package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fluxdesk/fluxdesk/internal/audit"
	"github.com/fluxdesk/fluxdesk/internal/jobs"
	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/internal/tickets"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// DedupeTTL is how long a delivery id is remembered. Providers redeliver
// on timeout within minutes; anything older is treated as new.
const DedupeTTL = 15 * time.Minute

// IngestPayload is the job body queued per inbound event.
type IngestPayload struct {
	ChannelID string                 `json:"channel_id"`
	Provider  string                 `json:"provider"`
	Message   *models.InboundMessage `json:"message"`
}

// Dispatcher receives provider webhook deliveries: signature first, then
// routing, dedupe, and a queued job per event. The HTTP layer stays thin;
// everything testable lives here.
type Dispatcher struct {
	channels    storage.ChannelStore
	registry    *providers.Registry
	queue       *jobs.Queue
	auditLog    *audit.Log
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger
	verifyToken string
	now         func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Channels storage.ChannelStore
	Registry *providers.Registry
	Queue    *jobs.Queue
	Audit    *audit.Log
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger

	// VerifyToken answers subscription verification handshakes.
	VerifyToken string
}

// NewDispatcher creates a webhook dispatcher and registers its job
// handler on the queue.
func NewDispatcher(cfg DispatcherConfig, creator tickets.Creator) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		channels:    cfg.Channels,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		auditLog:    cfg.Audit,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      logger,
		verifyToken: cfg.VerifyToken,
		now:         time.Now,
		seen:        make(map[string]time.Time),
	}
	if d.queue != nil {
		d.queue.Register(jobs.KindWebhookIngest, d.ingestHandler(creator))
	}
	return d
}

// Verify answers a subscription verification handshake. It returns the
// challenge to echo, or an error when the token does not match.
func (d *Dispatcher) Verify(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || token == "" || token != d.verifyToken {
		return "", providers.ErrWebhookSignature("verification token mismatch", nil)
	}
	return challenge, nil
}

// Delivery is one inbound webhook call as the HTTP layer hands it over.
type Delivery struct {
	Provider string

	// Signature is the provider's signature header, raw.
	Signature string

	// DeliveryID is the provider's delivery identifier header when present;
	// the dispatcher derives one from the body otherwise.
	DeliveryID string

	Body []byte
}

// Handle processes one delivery: verify the signature against the raw
// body before anything else, decode events, route each to its channel, and
// queue an ingest job per event. Duplicate deliveries are absorbed. A
// delivery whose events all name unknown accounts is rejected as not found
// so the caller can answer with a 404-class response.
func (d *Dispatcher) Handle(ctx context.Context, delivery Delivery) (err error) {
	start := d.now()
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.TraceWebhookDelivery(ctx, delivery.Provider, delivery.DeliveryID)
		defer func() {
			d.tracer.RecordError(span, err)
			span.End()
		}()
	}

	subscriber, err := d.registry.SubscriberFor(delivery.Provider)
	if err != nil {
		return err
	}
	if err := subscriber.VerifySignature(delivery.Signature, delivery.Body); err != nil {
		d.record(ctx, "", delivery.Provider, audit.OutcomeRejected, start, err)
		d.countDelivery(delivery.Provider, "rejected")
		return providers.ErrWebhookSignature("signature verification failed", err)
	}

	if d.duplicate(delivery) {
		d.logger.Debug("duplicate delivery absorbed",
			"provider", delivery.Provider,
			"delivery_id", delivery.DeliveryID,
		)
		d.countDelivery(delivery.Provider, "duplicate")
		return nil
	}

	parser, err := d.registry.ParserFor(delivery.Provider)
	if err != nil {
		return err
	}
	events, err := parser.ParseEvents(delivery.Body)
	if err != nil {
		d.record(ctx, "", delivery.Provider, audit.OutcomeRejected, start, err)
		d.countDelivery(delivery.Provider, "rejected")
		return providers.ErrInvalidInput("undecodable webhook payload", err)
	}

	queued, addressed, known := 0, 0, 0
	for _, ev := range events {
		if ev.Message == nil || ev.ExternalID == "" {
			continue
		}
		addressed++
		ch, err := d.channels.FindByExternalID(ctx, delivery.Provider, ev.ExternalID)
		if err != nil {
			if err == storage.ErrNotFound {
				d.logger.Debug("delivery for unbound account",
					"provider", delivery.Provider,
					"external_id", ev.ExternalID,
				)
				continue
			}
			return fmt.Errorf("route delivery: %w", err)
		}
		known++
		if ch.State != models.ChannelStateActive {
			// A bound but inactive channel is acknowledged and dropped;
			// erroring would make the provider redeliver forever.
			d.logger.Debug("delivery for inactive channel dropped",
				"channel_id", ch.ID,
				"state", string(ch.State),
			)
			continue
		}
		if _, err := d.queue.Enqueue(ctx, jobs.KindWebhookIngest, ch.ID, delivery.DeliveryID, IngestPayload{
			ChannelID: ch.ID,
			Provider:  delivery.Provider,
			Message:   ev.Message,
		}); err != nil {
			return fmt.Errorf("queue ingest job: %w", err)
		}
		queued++
		ch.LastTriggeredAt = d.now().UTC()
		if err := d.channels.Update(ctx, ch); err != nil {
			d.logger.Warn("stamp last_triggered_at", "channel_id", ch.ID, "error", err)
		}
		d.record(ctx, ch.ID, delivery.Provider, audit.OutcomeOK, start, nil)
	}

	if addressed > 0 && known == 0 {
		// Every event named an account no channel is bound to. The
		// subscription is stale; surface that instead of acknowledging.
		cause := providers.ErrNotFound("delivery matches no connected account", nil)
		d.record(ctx, "", delivery.Provider, audit.OutcomeRejected, start, cause)
		d.countDelivery(delivery.Provider, "rejected")
		return cause
	}

	outcome := "accepted"
	if queued == 0 {
		outcome = "dropped"
	}
	d.countDelivery(delivery.Provider, outcome)
	d.logger.Info("webhook delivery accepted",
		"provider", delivery.Provider,
		"events", len(events),
		"queued", queued,
	)
	return nil
}

func (d *Dispatcher) countDelivery(provider, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(provider, outcome)
	}
}

// ingestHandler turns a queued delivery into a ticket message. The ticket
// write is idempotent by (channel, external message id), which is what
// makes at-least-once queue delivery safe.
func (d *Dispatcher) ingestHandler(creator tickets.Creator) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		var payload IngestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode ingest payload: %w", err)
		}
		if payload.Message == nil {
			return fmt.Errorf("ingest payload carries no message")
		}
		msg := payload.Message
		if _, err := creator.CreateOrAppendMessage(ctx, payload.ChannelID, msg.ExternalID, msg.Sender, msg.Body, msg.Attachments); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.RecordIngested(payload.Provider, "push", 1)
		}
		return nil
	}
}

// duplicate reports whether the delivery was already seen within
// DedupeTTL, recording it either way. Deliveries without an id are keyed
// by a body digest.
func (d *Dispatcher) duplicate(delivery Delivery) bool {
	id := delivery.DeliveryID
	if id == "" {
		sum := sha256.Sum256(delivery.Body)
		id = hex.EncodeToString(sum[:])
	}
	key := delivery.Provider + "/" + id

	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) > DedupeTTL {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= DedupeTTL {
		return true
	}
	d.seen[key] = now
	return false
}

func (d *Dispatcher) record(ctx context.Context, channelID, provider string, outcome audit.Outcome, start time.Time, cause error) {
	if d.auditLog == nil {
		return
	}
	entry := audit.Entry{
		ChannelID: channelID,
		Type:      audit.EventWebhook,
		Outcome:   outcome,
		Latency:   d.now().Sub(start),
		Detail:    map[string]any{"provider": provider},
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	d.auditLog.Record(ctx, entry)
}
