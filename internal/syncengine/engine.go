// Package syncengine pulls inbound items from poll channels. Each run
// fetches items newer than the channel watermark, turns them into ticket
// messages, applies the channel's post-processing action, and advances the
// watermark only past committed items so that a crash never loses mail.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fluxdesk/fluxdesk/internal/audit"
	"github.com/fluxdesk/fluxdesk/internal/credentials"
	"github.com/fluxdesk/fluxdesk/internal/lifecycle"
	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/internal/tickets"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

const (
	// DefaultBatchLimit bounds how many items one run fetches.
	DefaultBatchLimit = 100

	// DefaultRunTimeout bounds one run end to end. A run that exceeds it is
	// cancelled and counts as a failure.
	DefaultRunTimeout = 2 * time.Minute
)

// Result summarizes one sync run.
type Result struct {
	ChannelID string        `json:"channel_id"`
	Fetched   int           `json:"fetched"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Watermark time.Time     `json:"watermark"`
}

// Engine executes sync runs. Runs for distinct channels proceed in
// parallel; runs for the same channel are single-flight.
type Engine struct {
	channels    storage.ChannelStore
	credentials *credentials.Manager
	registry    *providers.Registry
	lifecycle   *lifecycle.Manager
	tickets     tickets.Creator
	auditLog    *audit.Log
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger

	batchLimit int
	runTimeout time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Config wires an Engine.
type Config struct {
	Channels    storage.ChannelStore
	Credentials *credentials.Manager
	Registry    *providers.Registry
	Lifecycle   *lifecycle.Manager
	Tickets     tickets.Creator
	Audit       *audit.Log
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Logger      *slog.Logger

	BatchLimit int
	RunTimeout time.Duration
}

// NewEngine creates a sync engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Engine{
		channels:    cfg.Channels,
		credentials: cfg.Credentials,
		registry:    cfg.Registry,
		lifecycle:   cfg.Lifecycle,
		tickets:     cfg.Tickets,
		auditLog:    cfg.Audit,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      logger,
		batchLimit:  cfg.BatchLimit,
		runTimeout:  cfg.RunTimeout,
		now:         time.Now,
		inFlight:    make(map[string]struct{}),
	}
}

// SyncNow runs a sync for the channel on the caller's goroutine. The
// channel must be active. A run already in flight for the channel makes
// this a no-op returning a nil Result.
func (e *Engine) SyncNow(ctx context.Context, organizationID, channelID string) (*Result, error) {
	ch, err := e.channels.Get(ctx, channelID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, providers.ErrNotFound("channel not found", nil)
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if ch.OrganizationID != organizationID {
		return nil, providers.ErrNotFound("channel not found", nil)
	}
	return e.Run(ctx, channelID)
}

// Run executes one sync run for the channel. The scheduler and SyncNow both
// land here.
func (e *Engine) Run(ctx context.Context, channelID string) (*Result, error) {
	if !e.acquire(channelID) {
		e.logger.Debug("sync already in flight", "channel_id", channelID)
		return nil, nil
	}
	defer e.release(channelID)

	ch, err := e.channels.Get(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if ch.State != models.ChannelStateActive {
		return nil, providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot sync", ch.State), nil)
	}

	start := e.now()
	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()
	var (
		result *Result
		runErr error
	)
	if e.tracer != nil {
		var span trace.Span
		runCtx, span = e.tracer.TraceSyncRun(runCtx, ch.Provider, ch.ID)
		defer func() {
			e.tracer.RecordError(span, runErr)
			span.End()
		}()
	}

	result, runErr = e.run(runCtx, ch)
	result.Duration = e.now().Sub(start)
	e.record(ctx, ch, result, runErr)
	if e.metrics != nil {
		status := "success"
		if runErr != nil {
			status = "error"
		}
		e.metrics.RecordSyncRun(ch.Provider, status, result.Duration.Seconds())
		e.metrics.RecordIngested(ch.Provider, "poll", result.Created)
	}

	if runErr != nil {
		if _, lerr := e.lifecycle.RecordFailure(ctx, ch.ID, runErr); lerr != nil {
			e.logger.Error("record sync failure", "channel_id", ch.ID, "error", lerr)
		}
		return result, runErr
	}
	if err := e.lifecycle.RecordSuccess(ctx, ch.ID); err != nil {
		e.logger.Error("record sync success", "channel_id", ch.ID, "error", err)
	}
	return result, nil
}

func (e *Engine) run(ctx context.Context, ch *models.Channel) (*Result, error) {
	result := &Result{ChannelID: ch.ID}

	fetcher, err := e.registry.FetcherFor(ch.Provider)
	if err != nil {
		return result, err
	}
	cred, err := e.credentials.Get(ctx, ch)
	if err != nil {
		return result, err
	}

	since := effectiveSince(ch)
	msgs, err := fetcher.FetchSince(ctx, cred, ch.Sync.Folder, since, e.batchLimit)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, providers.ErrTimeout("sync run deadline exceeded", err)
		}
		return result, providers.ErrSync("fetch failed", err)
	}
	result.Fetched = len(msgs)

	var postProc providers.PostProcessor
	if ch.Sync.PostProcess != models.PostProcessLeave && ch.Sync.PostProcess != "" {
		postProc, err = e.registry.PostProcessorFor(ch.Provider)
		if err != nil {
			return result, err
		}
	}

	seen := make(map[string]struct{}, len(msgs))
	watermark := ch.Sync.Watermark
	committed := watermark
	result.Watermark = watermark

	// advance persists the high-water mark of the contiguous run of
	// committed items in one store round trip. WithoutCancel lets a run
	// that hit its deadline still record the progress it made.
	advance := func() error {
		if !committed.After(watermark) {
			return nil
		}
		wm, err := e.channels.AdvanceWatermark(context.WithoutCancel(ctx), ch.ID, committed)
		if err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		watermark = wm
		result.Watermark = watermark
		return nil
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			if aerr := advance(); aerr != nil {
				return result, aerr
			}
			return result, providers.ErrTimeout("sync run deadline exceeded", err)
		}
		if msg.ExternalID == "" {
			result.Skipped++
			continue
		}
		if _, dup := seen[msg.ExternalID]; dup {
			result.Skipped++
			continue
		}
		seen[msg.ExternalID] = struct{}{}

		if _, err := e.tickets.CreateOrAppendMessage(ctx, ch.ID, msg.ExternalID, msg.Sender, msg.Body, msg.Attachments); err != nil {
			// Stop here; the watermark covers only committed items so the
			// next run retries from this one.
			if aerr := advance(); aerr != nil {
				return result, aerr
			}
			return result, providers.ErrSync(
				fmt.Sprintf("create ticket message for item %s", msg.ExternalID), err)
		}
		result.Created++

		// The ticket write is the durability point. Post-processing and
		// watermark advancement follow it; a crash between them re-fetches
		// an item the idempotent ticket write absorbs.
		if postProc != nil {
			if err := postProc.Dispose(ctx, cred, msg, ch.Sync.PostProcess, ch.Sync.MoveTarget); err != nil {
				e.logger.Warn("post-processing failed; item left in place",
					"channel_id", ch.ID,
					"external_id", msg.ExternalID,
					"error", err,
				)
			}
		}

		if msg.ReceivedAt.After(committed) {
			committed = msg.ReceivedAt
		}
	}
	if err := advance(); err != nil {
		return result, err
	}
	return result, nil
}

// effectiveSince is the lower bound for a fetch: the later of the channel
// watermark and the operator's synced-since cutoff.
func effectiveSince(ch *models.Channel) time.Time {
	since := ch.Sync.Watermark
	if ch.Sync.SyncedSince.After(since) {
		since = ch.Sync.SyncedSince
	}
	return since
}

func (e *Engine) record(ctx context.Context, ch *models.Channel, result *Result, runErr error) {
	outcome := audit.OutcomeOK
	errText := ""
	if runErr != nil {
		outcome = audit.OutcomeError
		errText = runErr.Error()
	}
	if e.auditLog != nil {
		e.auditLog.Record(ctx, audit.Entry{
			ChannelID:      ch.ID,
			OrganizationID: ch.OrganizationID,
			Type:           audit.EventSync,
			Outcome:        outcome,
			Latency:        result.Duration,
			Detail: map[string]any{
				"fetched": result.Fetched,
				"created": result.Created,
				"skipped": result.Skipped,
			},
			Error: errText,
		})
	}
	e.logger.Info("sync run finished",
		"channel_id", ch.ID,
		"provider", ch.Provider,
		"fetched", result.Fetched,
		"created", result.Created,
		"skipped", result.Skipped,
		"duration", result.Duration,
		"outcome", string(outcome),
	)
}

func (e *Engine) acquire(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[channelID]; busy {
		return false
	}
	e.inFlight[channelID] = struct{}{}
	return true
}

func (e *Engine) release(channelID string) {
	e.mu.Lock()
	delete(e.inFlight, channelID)
	e.mu.Unlock()
}
