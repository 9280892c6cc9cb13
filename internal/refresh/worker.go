// Package refresh keeps oauth credentials alive: it schedules proactive
// token refreshes ahead of expiry and runs them on a periodic sweep.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loopline/agentd/internal/llm"
	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
)

const (
	// sweepSpec runs the scan every five minutes.
	sweepSpec = "*/5 * * * *"

	// scanWindow bounds how far ahead the sweep looks for expiring rows.
	scanWindow = 24 * time.Hour

	// maxFailures retires a credential from automatic refresh after this
	// many consecutive failures.
	maxFailures = 5

	minLead = 5 * time.Minute
	maxWait = 24 * time.Hour

	// refreshFraction of the token lifetime is left as headroom: a token
	// refreshes once 80% of its lifetime has elapsed.
	refreshFraction = 0.2
)

// TokenRefresher performs one refresh. Satisfied by llm.Router.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, cred *store.SavedAuthentication) (*store.SavedAuthentication, error)
}

// RefreshAt computes when a token should be proactively refreshed: 80% of
// the way through its lifetime, no later than five minutes before expiry,
// no further out than 24 hours, and never in the past.
func RefreshAt(issuedAt, expiresAt, now time.Time) time.Time {
	lifetime := expiresAt.Sub(issuedAt)
	at := expiresAt.Add(-time.Duration(refreshFraction * float64(lifetime)))

	if latest := expiresAt.Add(-minLead); at.After(latest) {
		at = latest
	}
	if horizon := now.Add(maxWait); at.After(horizon) {
		at = horizon
	}
	if at.Before(now) {
		at = now
	}
	return at
}

// Worker sweeps for due credentials on a cron schedule.
type Worker struct {
	store     *store.Store
	refresher TokenRefresher
	cron      *cron.Cron

	mu       sync.Mutex
	failures map[string]int
	retired  map[string]bool
}

// NewWorker creates a worker. Start begins the sweep schedule.
func NewWorker(st *store.Store, refresher TokenRefresher) *Worker {
	return &Worker{
		store:     st,
		refresher: refresher,
		cron:      cron.New(),
		failures:  map[string]int{},
		retired:   map[string]bool{},
	}
}

// Start schedules the periodic sweep and runs one immediately.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc(sweepSpec, func() { w.Sweep(ctx) })
	if err != nil {
		return err
	}
	w.cron.Start()
	go w.Sweep(ctx)
	L_info("refresh: worker started", "schedule", sweepSpec)
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (w *Worker) Stop() {
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
}

// Sweep refreshes every oauth credential whose refresh time has arrived.
func (w *Worker) Sweep(ctx context.Context) {
	creds, err := w.store.ListOAuthExpiringWithin(ctx, scanWindow)
	if err != nil {
		L_error("refresh: scan failed", "error", err)
		return
	}

	now := time.Now()
	for _, cred := range creds {
		if ctx.Err() != nil {
			return
		}
		if cred.ExpiresAt == nil {
			continue
		}
		if w.isRetired(cred.ID) {
			continue
		}
		if RefreshAt(cred.UpdatedAt, *cred.ExpiresAt, now).After(now) {
			continue
		}
		w.refreshOne(ctx, cred)
	}
}

func (w *Worker) refreshOne(ctx context.Context, cred *store.SavedAuthentication) {
	_, err := w.refresher.RefreshTokens(ctx, cred)
	if err == nil {
		w.mu.Lock()
		delete(w.failures, cred.ID)
		w.mu.Unlock()
		return
	}

	if llm.IsKind(err, llm.KindInvalidRefreshToken) {
		// terminal: the stored refresh token is dead, retrying cannot help
		L_error("refresh: refresh token rejected, re-authentication required",
			"provider", cred.Provider, "name", cred.Name)
		w.retire(cred.ID)
		return
	}

	w.mu.Lock()
	w.failures[cred.ID]++
	count := w.failures[cred.ID]
	w.mu.Unlock()

	L_warn("refresh: attempt failed", "provider", cred.Provider, "name", cred.Name,
		"attempt", count, "error", err)
	if count >= maxFailures {
		L_error("refresh: giving up after repeated failures",
			"provider", cred.Provider, "name", cred.Name, "attempts", count)
		w.retire(cred.ID)
	}
}

func (w *Worker) retire(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retired[id] = true
}

func (w *Worker) isRetired(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retired[id]
}
