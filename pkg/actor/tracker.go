package actor

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// CallbackKind tells a request callback why it is firing.
type CallbackKind int

const (
	// CallbackResponse means the peer answered — Err is nil on success,
	// non-nil on a peer-side failure (spec §4.A: "Response(Err)").
	CallbackResponse CallbackKind = iota
	// CallbackTimeout means the deadline passed with no answer.
	CallbackTimeout
)

// CallbackData is the variant delivered to a request callback (spec §4.A).
type CallbackData struct {
	Kind  CallbackKind
	Value interface{}
	Err   error
}

// Callback is invoked exactly once per tracked request.
type Callback func(CallbackData)

// DefaultTrackerCapacity bounds the tracker per spec §5's backpressure
// policy ("implementations SHOULD enforce a cap per endpoint"). Capacity
// overflow evicts the oldest tracked request, firing it as a Timeout rather
// than silently dropping it, preserving the at-most-once guarantee.
const DefaultTrackerCapacity = 4096

type trackedRequest struct {
	id        types.RequestId
	expiresAt time.Time
	callback  Callback
	tag       interface{}
	once      sync.Once
	removed   bool // set under Tracker.mu before an explicit Remove, so onEvict skips it
}

func (t *trackedRequest) fire(data CallbackData) {
	t.once.Do(func() {
		t.callback(data)
	})
}

// Tracker is the request-tracker entry store from spec §3/§4.A: it maps a
// RequestId to its expiry deadline and callback, and guarantees at-most-once
// invocation whether the request resolves via Resolve or expires via
// SweepTimeouts. It is backed by a bounded hashicorp/golang-lru cache instead
// of a plain map so the endpoint's backpressure cap (spec §5) is enforced
// structurally rather than by a separate counter.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewTracker builds a Tracker with the given capacity. A capacity <= 0 uses
// DefaultTrackerCapacity.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	t := &Tracker{}
	cache, err := lru.NewWithEvict(capacity, t.onEvict)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	t.cache = cache
	return t
}

func (t *Tracker) onEvict(_ interface{}, value interface{}) {
	req := value.(*trackedRequest)
	if req.removed {
		return
	}
	req.fire(CallbackData{Kind: CallbackTimeout, Err: types.ErrRequestTimedOut})
}

// Track records a new outstanding request. Tag is arbitrary caller-supplied
// data (spec §3: "optional user-data tag") surfaced back with the callback
// invocation context by the caller, not by Tracker itself.
func (t *Tracker) Track(id types.RequestId, timeout time.Duration, tag interface{}, cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(string(id), &trackedRequest{
		id:        id,
		expiresAt: time.Now().Add(timeout),
		callback:  cb,
		tag:       tag,
	})
}

// Resolve delivers a response to the tracked request, if still outstanding.
// Returns false if the id is unknown (already resolved, timed out, evicted,
// or never tracked) — callers should log and discard per spec §4.A
// ("a response to an unknown RequestId is logged and discarded").
func (t *Tracker) Resolve(id types.RequestId, value interface{}, respErr error) bool {
	t.mu.Lock()
	v, ok := t.cache.Peek(string(id))
	if ok {
		v.(*trackedRequest).removed = true
		t.cache.Remove(string(id))
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	req := v.(*trackedRequest)
	req.fire(CallbackData{Kind: CallbackResponse, Value: value, Err: respErr})
	return true
}

// Tag returns the tag associated with id, if still tracked.
func (t *Tracker) Tag(id types.RequestId) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Peek(string(id))
	if !ok {
		return nil, false
	}
	return v.(*trackedRequest).tag, true
}

// SweepTimeouts fires CallbackTimeout for every tracked request whose
// deadline is at or before now, removing it from the tracker. Returns the
// number of requests timed out.
func (t *Tracker) SweepTimeouts(now time.Time) int {
	t.mu.Lock()
	keys := t.cache.Keys()
	var expired []*trackedRequest
	for _, k := range keys {
		v, ok := t.cache.Peek(k)
		if !ok {
			continue
		}
		req := v.(*trackedRequest)
		if !now.Before(req.expiresAt) {
			req.removed = true
			t.cache.Remove(k)
			expired = append(expired, req)
		}
	}
	t.mu.Unlock()

	for _, req := range expired {
		req.fire(CallbackData{Kind: CallbackTimeout, Err: types.ErrRequestTimedOut})
	}
	return len(expired)
}

// Len reports the number of currently-outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
