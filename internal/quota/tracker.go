// Package quota implements rolling-window token-usage accounting per API
// key. Consumption over the trailing window is reconstructed from coarse
// time-aligned usage buckets; the in-memory window state is authoritative
// once primed so admitted usage is visible to the very next reservation,
// even while persistence catches up.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gatecore-ai/gatecore/internal/keycache"
	"github.com/gatecore-ai/gatecore/internal/keystore"
	"github.com/gatecore-ai/gatecore/internal/logging"
	"github.com/gatecore-ai/gatecore/internal/metrics"
)

// Defaults for the rolling window and its bucket granularity.
const (
	DefaultWindow      = 5 * time.Hour
	DefaultGranularity = time.Hour
)

// Reason codes attached to admission decisions.
type Reason string

// Decision reasons. ReasonAllowed accompanies every admitted request.
const (
	ReasonAllowed          Reason = "allowed"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonKeyExpired       Reason = "key_expired"
	ReasonKeyNotFound      Reason = "key_not_found"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Decision is the outcome of a reservation check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining_quota"`
	Reason    Reason `json:"reject_reason,omitempty"`
}

// keyState is the in-memory rolling window for one key. Its mutex serializes
// all reservations and commits for that key; it is never held across a store
// call on the reserve fast path once the state is primed.
type keyState struct {
	mu      sync.Mutex
	primed  bool
	buckets map[int64]int64 // bucket start (unix seconds) -> tokens
	pending int64           // reserved but not yet committed tokens
}

// Tracker performs rolling-window admission checks and usage commits.
type Tracker struct {
	store       keystore.Store
	keys        *keycache.Cache
	window      time.Duration
	granularity time.Duration

	mu     sync.Mutex
	states map[string]*keyState
}

// NewTracker creates a Tracker over the given store and key record cache.
// Zero window or granularity select the defaults (5h window, 1h buckets).
func NewTracker(store keystore.Store, keys *keycache.Cache, window, granularity time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return &Tracker{
		store:       store,
		keys:        keys,
		window:      window,
		granularity: granularity,
		states:      make(map[string]*keyState),
	}
}

// Window returns the configured rolling-window length.
func (t *Tracker) Window() time.Duration { return t.window }

func (t *Tracker) state(key string) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		st = &keyState{buckets: make(map[int64]int64)}
		t.states[key] = st
	}
	return st
}

// ensurePrimed loads the trailing-window buckets from the store on the first
// use of a key. The store read happens without holding st.mu; the merge is
// applied under the lock only if no other goroutine primed first. A commit
// racing the initial prime may be counted twice within the window, which
// errs on the side of rejecting rather than over-admitting.
func (t *Tracker) ensurePrimed(ctx context.Context, st *keyState, key string, now time.Time) error {
	st.mu.Lock()
	primed := st.primed
	st.mu.Unlock()
	if primed {
		return nil
	}

	horizon := now.Add(-t.window - t.granularity)
	buckets, err := t.store.ListUsageBuckets(ctx, key, horizon)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.primed {
		return nil
	}
	for _, b := range buckets {
		st.buckets[b.WindowStart.Unix()] += b.TokensUsed
	}
	st.primed = true
	return nil
}

// consumed sums the buckets within the trailing window. Caller holds st.mu.
func (t *Tracker) consumed(st *keyState, now time.Time) int64 {
	cutoff := now.Add(-t.window).Unix()
	var sum int64
	for start, tokens := range st.buckets {
		if start >= cutoff {
			sum += tokens
		} else {
			// Past the retention horizon; drop eagerly.
			if start < now.Add(-t.window-t.granularity).Unix() {
				delete(st.buckets, start)
			}
		}
	}
	return sum + st.pending
}

// Reserve checks whether estimatedTokens fits the key's remaining quota at
// now. An allowed reservation holds estimatedTokens against the key until
// the caller either Commits actual usage or Releases the reservation.
// Expiry rejects before quota; store failures reject (fail-closed).
func (t *Tracker) Reserve(ctx context.Context, key string, estimatedTokens int64, now time.Time) (Decision, error) {
	record, err := t.keys.Lookup(ctx, key)
	if err != nil {
		return t.rejectFor(err)
	}
	if record.Expired(now) {
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonKeyExpired)).Inc()
		return Decision{Allowed: false, Reason: ReasonKeyExpired}, nil
	}

	st := t.state(key)
	if err := t.ensurePrimed(ctx, st, key, now); err != nil {
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonStoreUnavailable)).Inc()
		return Decision{Allowed: false, Reason: ReasonStoreUnavailable},
			fmt.Errorf("prime usage window for %s: %w", key, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	used := t.consumed(st, now)
	remaining := record.TokenLimitPer5h - used
	if remaining < 0 {
		remaining = 0
	}

	if used+estimatedTokens > record.TokenLimitPer5h {
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonQuotaExceeded)).Inc()
		return Decision{Allowed: false, Remaining: remaining, Reason: ReasonQuotaExceeded}, nil
	}

	st.pending += estimatedTokens
	metrics.AdmissionDecisions.WithLabelValues(string(ReasonAllowed)).Inc()
	return Decision{Allowed: true, Remaining: remaining - estimatedTokens, Reason: ReasonAllowed}, nil
}

// Release drops a reservation without committing usage. Called when a
// request is aborted before backend completion; completed requests go
// through CommitReserved instead.
func (t *Tracker) Release(key string, estimatedTokens int64) {
	st := t.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending -= estimatedTokens
	if st.pending < 0 {
		st.pending = 0
	}
}

// Commit records actualTokens against the bucket containing now, updates the
// key's lifetime totals, and persists both. The in-memory window is updated
// before the store write so a burst cannot slip past the limit while
// persistence catches up; a store failure is reported but does not roll the
// authoritative state back.
func (t *Tracker) Commit(ctx context.Context, key string, actualTokens int64, now time.Time) error {
	if actualTokens < 0 {
		return errors.New("actual tokens must be non-negative")
	}

	bucketStart := now.Truncate(t.granularity)
	st := t.state(key)

	// Prime before applying so a later prime cannot re-merge this commit
	// from the store. A failed prime still applies the commit in memory;
	// the subsequent persistence failure surfaces the outage.
	if err := t.ensurePrimed(ctx, st, key, now); err != nil {
		logging.Component("quota").Warn("usage window prime failed during commit",
			"key", key, "error", err.Error())
	}

	st.mu.Lock()
	st.buckets[bucketStart.Unix()] += actualTokens
	st.mu.Unlock()

	return t.persist(ctx, key, bucketStart, actualTokens, now)
}

// CommitReserved converts a reservation into committed usage. The pending
// tokens are swapped for the booked bucket under a single lock acquisition,
// so a concurrent Reserve always sees the admitted usage as either pending
// or committed, never as absent. Persistence happens after the swap, as in
// Commit.
func (t *Tracker) CommitReserved(ctx context.Context, key string, estimatedTokens, actualTokens int64, now time.Time) error {
	if actualTokens < 0 {
		return errors.New("actual tokens must be non-negative")
	}

	bucketStart := now.Truncate(t.granularity)
	st := t.state(key)

	if err := t.ensurePrimed(ctx, st, key, now); err != nil {
		logging.Component("quota").Warn("usage window prime failed during commit",
			"key", key, "error", err.Error())
	}

	st.mu.Lock()
	st.pending -= estimatedTokens
	if st.pending < 0 {
		st.pending = 0
	}
	st.buckets[bucketStart.Unix()] += actualTokens
	st.mu.Unlock()

	return t.persist(ctx, key, bucketStart, actualTokens, now)
}

func (t *Tracker) persist(ctx context.Context, key string, bucketStart time.Time, actualTokens int64, now time.Time) error {
	if err := t.store.UpsertUsageBucket(ctx, key, bucketStart, actualTokens); err != nil {
		return fmt.Errorf("persist usage bucket for %s: %w", key, err)
	}
	if err := t.store.UpdateKeyTotals(ctx, key, actualTokens, now); err != nil {
		return fmt.Errorf("persist key totals for %s: %w", key, err)
	}
	return nil
}

// Consumed returns the key's trailing-window consumption at now, excluding
// pending reservations.
func (t *Tracker) Consumed(ctx context.Context, key string, now time.Time) (int64, error) {
	st := t.state(key)
	if err := t.ensurePrimed(ctx, st, key, now); err != nil {
		return 0, fmt.Errorf("prime usage window for %s: %w", key, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return t.consumed(st, now) - st.pending, nil
}

// GC deletes buckets past the retention horizon (window + granularity) from
// the store. In-memory state trims itself during consumption sums.
func (t *Tracker) GC(ctx context.Context, now time.Time) (int64, error) {
	horizon := now.Add(-t.window - t.granularity)
	removed, err := t.store.PruneUsageBuckets(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("prune usage buckets: %w", err)
	}
	if removed > 0 {
		logging.Component("quota").Debug("pruned usage buckets", "removed", removed)
	}
	return removed, nil
}

// Forget drops the in-memory window state for key. Called when the key is
// deleted so its buckets do not linger.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// Reset clears all in-memory window state. Used to isolate test runs.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*keyState)
}

func (t *Tracker) rejectFor(err error) (Decision, error) {
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonKeyNotFound)).Inc()
		return Decision{Allowed: false, Reason: ReasonKeyNotFound}, nil
	default:
		// Fail-closed: an unreachable store rejects, never silently allows.
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonStoreUnavailable)).Inc()
		return Decision{Allowed: false, Reason: ReasonStoreUnavailable},
			fmt.Errorf("lookup key record: %w", err)
	}
}
