// Package watcher evaluates aggregate totals against configured budget limits
// and emits edge-triggered breach/clear signals.
//
// DESIGN: The enforcement controller is driven purely by watcher edges, never
// by polling totals. Each watcher remembers its last state and signals only on
// a state change, so observing the same total repeatedly produces no duplicate
// signals. The controller still tolerates duplicates (idempotent edges); the
// watcher just avoids generating them. External watchers may inject signals
// through the same SignalHandler interface.
package watcher

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qubitops/costguard/internal/aggregator"
	"github.com/qubitops/costguard/internal/pricing"
)

// State is a watcher signal state.
type State string

const (
	StateBreach State = "BREACH"
	StateClear  State = "CLEAR"
)

// Signal is one edge-triggered threshold notification.
type Signal struct {
	WatcherID     string    `json:"watcherId"`
	IdentityScope []string  `json:"identityScope"`
	NewState      State     `json:"newState"`
	Timestamp     time.Time `json:"timestamp"`
}

// SignalHandler consumes watcher signals.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig Signal) error
}

// Scope selects which aggregate bins a watcher observes.
type Scope int

const (
	// ScopeMonthly watches the plain current-month bin. The month rollover
	// naturally clears a breach: the new month's bin starts at zero.
	ScopeMonthly Scope = iota
	// ScopeAllTime watches the all-time bin.
	ScopeAllTime
)

var monthBinPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// ThresholdWatcher compares one bin family's total against a fixed limit.
type ThresholdWatcher struct {
	id            string
	scope         Scope
	limitNano     int64
	identityScope []string
	handler       SignalHandler

	mu        sync.Mutex
	breaching bool
}

// NewThresholdWatcher creates a watcher. identityScope lists the identities
// the resulting signals apply to.
func NewThresholdWatcher(id string, scope Scope, limitNano int64, identityScope []string, handler SignalHandler) *ThresholdWatcher {
	return &ThresholdWatcher{
		id:            id,
		scope:         scope,
		limitNano:     limitNano,
		identityScope: identityScope,
		handler:       handler,
	}
}

// ObserveBin feeds a fresh bin total to the watcher. Bins outside the
// watcher's scope are ignored. Implements aggregator.Observer.
func (w *ThresholdWatcher) ObserveBin(ctx context.Context, bin string, totalCostNano int64) {
	if w.limitNano <= 0 || !w.matches(bin) {
		return
	}

	breaching := totalCostNano > w.limitNano

	w.mu.Lock()
	changed := breaching != w.breaching
	w.breaching = breaching
	w.mu.Unlock()

	if !changed {
		return
	}

	newState := StateClear
	if breaching {
		newState = StateBreach
	}
	log.Warn().
		Str("watcher", w.id).
		Str("bin", bin).
		Str("total", pricing.FormatUSD(totalCostNano)).
		Str("limit", pricing.FormatUSD(w.limitNano)).
		Str("state", string(newState)).
		Msg("watcher: threshold state changed")

	sig := Signal{
		WatcherID:     w.id,
		IdentityScope: w.identityScope,
		NewState:      newState,
		Timestamp:     time.Now().UTC(),
	}
	if err := w.handler.HandleSignal(ctx, sig); err != nil {
		// The controller records intended state even on action failure;
		// a reconciliation pass converges later.
		log.Error().Err(err).Str("watcher", w.id).Msg("watcher: signal handling failed")
	}
}

func (w *ThresholdWatcher) matches(bin string) bool {
	switch w.scope {
	case ScopeMonthly:
		return monthBinPattern.MatchString(bin)
	case ScopeAllTime:
		return bin == aggregator.AllTimeBin
	}
	return false
}

// Set fans bin observations out to a group of watchers. Implements
// aggregator.Observer.
type Set []*ThresholdWatcher

func (s Set) ObserveBin(ctx context.Context, bin string, totalCostNano int64) {
	for _, w := range s {
		w.ObserveBin(ctx, bin, totalCostNano)
	}
}
