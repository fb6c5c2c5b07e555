package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AgentGate/AgentGate/internal/adapter"
	"github.com/AgentGate/AgentGate/internal/config"
	"github.com/AgentGate/AgentGate/internal/store"
)

const (
	backfillRetryAttempts = 5
	backfillRetryBase     = time.Second
)

// Reconciler closes gaps between the log and the external source. It runs
// once at process start and optionally on a fixed interval. Sources are
// reconciled independently: one source's persistent failure is logged and
// isolated, never aborting the others.
type Reconciler struct {
	store    *store.Store
	adapter  adapter.Adapter
	pipeline *Pipeline
	cfg      config.BackfillConfig
	rootID   string

	sem *semaphore
	mu  sync.Mutex
	// inFlight serializes reconciliation per source across overlapping
	// passes.
	inFlight map[string]bool
}

// NewReconciler wires the backfill reconciler. The pipeline is shared with
// live ingestion so both write through the same dedup path.
func NewReconciler(st *store.Store, ad adapter.Adapter, pipe *Pipeline, cfg config.BackfillConfig, rootChannelID string) *Reconciler {
	return &Reconciler{
		store:    st,
		adapter:  ad,
		pipeline: pipe,
		cfg:      cfg,
		rootID:   rootChannelID,
		sem:      newSemaphore(cfg.Concurrency),
		inFlight: make(map[string]bool),
	}
}

// Run performs the mandatory startup pass, then re-runs on the configured
// interval until the context ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	r.ReconcileAll(ctx)
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll discovers sources and reconciles each with bounded
// concurrency. Discovery order: ids already known from prior ingestion,
// the root channel, active threads, then recently archived threads.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	sources := r.discoverSources(ctx)
	slog.Info("Backfill pass starting", "sources", len(sources))

	var wg sync.WaitGroup
	for _, src := range sources {
		src := src
		if !r.claim(src) {
			// A previous pass is still reconciling this source.
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.release(src)
			r.sem.acquire()
			defer r.sem.releaseSlot()
			if err := r.reconcileSource(ctx, src); err != nil {
				slog.Warn("Backfill failed for source", "source", src, "error", err)
			}
		}()
	}
	wg.Wait()
	slog.Info("Backfill pass finished")
}

func (r *Reconciler) discoverSources(ctx context.Context) []string {
	seen := make(map[string]bool)
	var sources []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			sources = append(sources, id)
		}
	}

	known, err := r.store.KnownSources()
	if err != nil {
		slog.Warn("Failed to list known sources", "error", err)
	}
	for _, id := range known {
		add(id)
	}
	add(r.rootID)

	var active []string
	err = adapter.WithRetry(ctx, backfillRetryAttempts, backfillRetryBase, func() error {
		var ferr error
		active, ferr = r.adapter.ActiveThreads(ctx)
		return ferr
	})
	if err != nil {
		slog.Warn("Active thread discovery failed", "error", err)
	}
	for _, id := range active {
		add(id)
	}

	if r.cfg.ArchivedThreadLimit > 0 {
		var archived []string
		err = adapter.WithRetry(ctx, backfillRetryAttempts, backfillRetryBase, func() error {
			var ferr error
			archived, ferr = r.adapter.ArchivedThreads(ctx, r.cfg.ArchivedThreadLimit)
			return ferr
		})
		if err != nil {
			slog.Warn("Archived thread discovery failed", "error", err)
		}
		for _, id := range archived {
			add(id)
		}
	}
	return sources
}

// reconcileSource closes the gap for one source. With a high-water mark,
// fetch history strictly after it; without one, seed from the newest
// seed_limit messages. seed_limit = 0 initialises the mark only, so the
// source starts empty going forward.
func (r *Reconciler) reconcileSource(ctx context.Context, source string) error {
	mark, ok, err := r.store.HighWaterMark(source)
	if err != nil {
		return err
	}

	var msgs []*adapter.Message
	switch {
	case ok:
		err = adapter.WithRetry(ctx, backfillRetryAttempts, backfillRetryBase, func() error {
			var ferr error
			msgs, ferr = r.adapter.HistoryAfter(ctx, source, mark)
			return ferr
		})
	case r.cfg.SeedLimit > 0:
		err = adapter.WithRetry(ctx, backfillRetryAttempts, backfillRetryBase, func() error {
			var ferr error
			msgs, ferr = r.adapter.RecentHistory(ctx, source, r.cfg.SeedLimit)
			return ferr
		})
	default:
		var newest []*adapter.Message
		err = adapter.WithRetry(ctx, backfillRetryAttempts, backfillRetryBase, func() error {
			var ferr error
			newest, ferr = r.adapter.RecentHistory(ctx, source, 1)
			return ferr
		})
		if err == nil && len(newest) > 0 {
			return r.store.AdvanceHighWaterMark(source, newest[len(newest)-1].ExternalID)
		}
	}
	if err != nil {
		return err
	}

	inserted := 0
	for _, msg := range msgs {
		_, ins, err := r.pipeline.Ingest(msg)
		if err != nil {
			slog.Warn("Backfill insert failed", "source", source, "external_id", msg.ExternalID, "error", err)
			continue
		}
		if ins {
			inserted++
		}
	}
	if inserted > 0 {
		slog.Info("Backfill closed gap", "source", source, "inserted", inserted)
	}
	return nil
}

func (r *Reconciler) claim(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[source] {
		return false
	}
	r.inFlight[source] = true
	return true
}

func (r *Reconciler) release(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, source)
}

// semaphore is a channel-based counting semaphore bounding how many
// sources reconcile in parallel.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

func (s *semaphore) acquire()     { s.ch <- struct{}{} }
func (s *semaphore) releaseSlot() { <-s.ch }
