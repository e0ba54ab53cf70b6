// Package enforcer maintains per-identity deny-policy attachment driven by
// threshold watcher edges.
//
// DESIGN: The controller never evaluates cost totals itself. Per identity it
// keeps the set of currently-breaching watcher ids; the deny policy is
// attached exactly while that set is non-empty (OR of active watchers).
// Edge handling is idempotent so duplicate or replayed signals are no-ops.
// Identity-store calls retry with bounded backoff; on permanent failure the
// in-memory set is NOT rolled back; it records intended state, and a
// reconciliation pass converges the store later.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/watcher"
)

// ErrActionFailed marks an attach/detach call that exhausted its retries.
// Surfaced for operator visibility; intended state is retained.
var ErrActionFailed = errors.New("enforcement action failed")

// Kind distinguishes the identity-store object types a policy can attach to.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
	KindRole  Kind = "role"
)

// Identity is one controlled identity.
type Identity struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
}

// PolicyStore performs the external attach/detach calls. Implementations must
// be idempotent: attaching an attached policy or detaching a detached one
// succeeds.
type PolicyStore interface {
	Attach(ctx context.Context, identity Identity, policyARN string) error
	Detach(ctx context.Context, identity Identity, policyARN string) error
}

// Alerter is notified after enforcement transitions, mirroring the operator
// notification channel. Best-effort.
type Alerter interface {
	PolicyAttached(ctx context.Context, identity Identity, policyARN string, watcherIDs []string)
	PolicyDetached(ctx context.Context, identity Identity, policyARN string, watcherIDs []string)
}

// identityState is the controller's bounded per-identity state.
type identityState struct {
	active       map[string]struct{} // breaching watcher ids
	wantAttached bool                // intended policy state
	converged    bool                // store reflects intended state
	converging   bool                // a store call is in flight
	gen          uint64              // bumped on every intended-state change
}

// Controller is the enforcement state machine.
type Controller struct {
	policyARN  string
	store      PolicyStore
	alerter    Alerter
	counters   *metrics.Counters
	kinds      map[string]Kind
	maxElapsed time.Duration
	initialBO  time.Duration

	mu     sync.Mutex
	states map[string]*identityState
}

// Option configures a Controller.
type Option func(*Controller)

// WithAlerter sets the operator alerter.
func WithAlerter(a Alerter) Option {
	return func(c *Controller) { c.alerter = a }
}

// WithMaxElapsed bounds the total backoff time per identity-store call.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Controller) { c.maxElapsed = d }
}

// WithInitialBackoff sets the first retry interval.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Controller) { c.initialBO = d }
}

// NewController creates a controller for the given deny policy. identities
// supplies the kind for each controlled identity name; signals naming an
// unconfigured identity are treated as users.
func NewController(policyARN string, identities []Identity, store PolicyStore, counters *metrics.Counters, opts ...Option) *Controller {
	kinds := make(map[string]Kind, len(identities))
	for _, id := range identities {
		kinds[id.Name] = id.Kind
	}
	c := &Controller{
		policyARN:  policyARN,
		store:      store,
		counters:   counters,
		kinds:      kinds,
		maxElapsed: 30 * time.Second,
		initialBO:  500 * time.Millisecond,
		states:     make(map[string]*identityState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleSignal applies one watcher edge to every identity in its scope.
// Partial application is tracked per identity, not all-or-nothing: a failed
// attach for one identity does not block the others, and the error aggregates
// the failures.
func (c *Controller) HandleSignal(ctx context.Context, sig watcher.Signal) error {
	switch sig.NewState {
	case watcher.StateBreach:
		c.counters.Breaches.Add(1)
	case watcher.StateClear:
		c.counters.Clears.Add(1)
	default:
		log.Warn().Str("state", string(sig.NewState)).Msg("enforcer: unknown signal state ignored")
		return nil
	}

	var errs []error
	for _, name := range sig.IdentityScope {
		if err := c.applyEdge(ctx, sig, name); err != nil {
			errs = append(errs, fmt.Errorf("identity %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// applyEdge updates one identity's active set and performs the external call
// only on empty<->non-empty transitions.
func (c *Controller) applyEdge(ctx context.Context, sig watcher.Signal, name string) error {
	c.mu.Lock()
	st, ok := c.states[name]
	if !ok {
		st = &identityState{active: make(map[string]struct{}), converged: true}
		c.states[name] = st
	}

	wasEmpty := len(st.active) == 0
	switch sig.NewState {
	case watcher.StateBreach:
		st.active[sig.WatcherID] = struct{}{}
	case watcher.StateClear:
		delete(st.active, sig.WatcherID)
	}
	isEmpty := len(st.active) == 0

	transition := wasEmpty != isEmpty
	if transition {
		st.wantAttached = !isEmpty
		st.converged = false
		st.gen++
	}
	c.mu.Unlock()

	if !transition {
		// Duplicate edge or a non-boundary set change: policy state is
		// already correct, no external call.
		return nil
	}
	return c.converge(ctx, name)
}

// converge makes the external store match the identity's intended state. At
// most one store call per identity is in flight at a time; a converge that
// finds another in flight returns and leaves the finish to it. The generation
// stamp detects intent that changed while the call was on the wire: the
// in-flight converge then loops and applies the newest intent, so a stale
// call can never be the store's last word.
func (c *Controller) converge(ctx context.Context, name string) error {
	for {
		c.mu.Lock()
		st := c.states[name]
		if st == nil || st.converged || st.converging {
			c.mu.Unlock()
			return nil
		}
		attach := st.wantAttached
		gen := st.gen
		watcherIDs := activeIDs(st)
		st.converging = true
		c.mu.Unlock()

		identity := Identity{Name: name, Kind: c.kindOf(name)}
		err := c.callStore(ctx, identity, attach)

		c.mu.Lock()
		st.converging = false
		stale := st.gen != gen
		if err == nil && !stale {
			st.converged = true
		}
		c.mu.Unlock()

		if err != nil {
			action := "detach"
			if attach {
				action = "attach"
			}
			c.counters.ActionsFailed.Add(1)
			log.Error().Err(err).
				Str("identity", identity.Name).
				Str("kind", string(identity.Kind)).
				Str("policy", c.policyARN).
				Str("action", action).
				Msg("enforcer: identity store call exhausted retries")
			return fmt.Errorf("%w: %s %s for %s: %v", ErrActionFailed, action, c.policyARN, identity.Name, err)
		}

		c.announce(ctx, identity, attach, watcherIDs)

		if !stale {
			return nil
		}
		// An opposing edge landed while the call was on the wire; apply the
		// newest intent before finishing.
	}
}

// callStore performs one attach or detach with bounded backoff.
func (c *Controller) callStore(ctx context.Context, identity Identity, attach bool) error {
	call := c.store.Detach
	if attach {
		call = c.store.Attach
	}
	op := func() error { return call(ctx, identity, c.policyARN) }
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBO
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// announce records counters, logs and operator notices for one applied
// transition.
func (c *Controller) announce(ctx context.Context, identity Identity, attach bool, watcherIDs []string) {
	if attach {
		c.counters.PolicyAttaches.Add(1)
		log.Warn().
			Str("identity", identity.Name).
			Str("policy", c.policyARN).
			Strs("watchers", watcherIDs).
			Msg("enforcer: deny policy attached")
		if c.alerter != nil {
			c.alerter.PolicyAttached(ctx, identity, c.policyARN, watcherIDs)
		}
		return
	}
	c.counters.PolicyDetaches.Add(1)
	log.Info().
		Str("identity", identity.Name).
		Str("policy", c.policyARN).
		Msg("enforcer: deny policy detached")
	if c.alerter != nil {
		c.alerter.PolicyDetached(ctx, identity, c.policyARN, watcherIDs)
	}
}

// Reconcile retries the external call for every identity whose store state has
// not converged to the intended state. Run periodically or after operator
// intervention.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	var pending []string
	for name, st := range c.states {
		if !st.converged && !st.converging {
			pending = append(pending, name)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	c.counters.Reconciliations.Add(1)

	var errs []error
	for _, name := range pending {
		if err := c.converge(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State reports the controller's view of one identity: whether the policy is
// intended to be attached and how many watchers are currently breaching.
func (c *Controller) State(name string) (policyAttached bool, activeAlarmCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[name]
	if !ok {
		return false, 0
	}
	return st.wantAttached, len(st.active)
}

func (c *Controller) kindOf(name string) Kind {
	if k, ok := c.kinds[name]; ok {
		return k
	}
	return KindUser
}

func activeIDs(st *identityState) []string {
	ids := make([]string, 0, len(st.active))
	for id := range st.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
