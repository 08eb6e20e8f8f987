package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/lifecycle"
)

func TestSchedulerAddRemove(t *testing.T) {
	f := newEngineFixture(t)
	ch := f.activeChannel(t, lifecycle.ConfigureParams{PollInterval: time.Minute})
	s := NewScheduler(f.engine, f.stores.Channels, f.engine.registry, f.engine.logger)

	if err := s.Add(ch); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !s.Scheduled(ch.ID) {
		t.Error("channel not scheduled after Add")
	}

	// Re-adding replaces rather than duplicating.
	if err := s.Add(ch); err != nil {
		t.Fatalf("second Add() error = %v", err)
	}

	s.Remove(ch.ID)
	if s.Scheduled(ch.ID) {
		t.Error("channel still scheduled after Remove")
	}
	s.Remove(ch.ID) // no-op
}

func TestSchedulerReloadPicksActivePollChannels(t *testing.T) {
	f := newEngineFixture(t)
	active := f.activeChannel(t, lifecycle.ConfigureParams{PollInterval: time.Minute})
	suspended := f.activeChannel(t, lifecycle.ConfigureParams{PollInterval: time.Minute})
	if _, err := f.mgr.Suspend(context.Background(), "org-1", suspended.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	s := NewScheduler(f.engine, f.stores.Channels, f.engine.registry, f.engine.logger)
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !s.Scheduled(active.ID) {
		t.Error("active channel missing from schedule")
	}
	if s.Scheduled(suspended.ID) {
		t.Error("suspended channel present in schedule")
	}
}
