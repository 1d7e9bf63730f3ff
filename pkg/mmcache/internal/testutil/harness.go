package testutil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
	"github.com/calvinalkan/mmcache/pkg/mmcache/internal/testutil/model"
)

// DefaultMaxOps bounds one fuzz iteration or deterministic run.
const DefaultMaxOps = 300

// Clock is a manually advanced clock shared by the model and the store.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a whole second so TTL rounding matches on both sides.
func NewClock() *Clock { return &Clock{now: time.Unix(1_700_000_000, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Harness pairs the model with a real store. Both see the same clock.
type Harness struct {
	Options mmcache.Options
	Clock   *Clock
	Model   *model.Store
	Real    *mmcache.Cache
}

// NewHarness creates the store described by opts. opts.Clock is replaced.
func NewHarness(tb testing.TB, opts mmcache.Options) *Harness {
	tb.Helper()

	h := &Harness{Options: opts, Clock: NewClock(), Model: model.New()}
	h.Options.Clock = h.Clock

	c, err := mmcache.Open(h.Options)
	if err != nil {
		tb.Fatalf("mmcache.Open: %v", err)
	}

	h.Real = c

	tb.Cleanup(func() { _ = h.Real.Close() })

	return h
}

// ApplyModel applies op to the model.
func ApplyModel(h *Harness, op Operation) Result {
	now := h.Clock.Now()

	switch o := op.(type) {
	case OpPut:
		return Result{Err: h.Model.Put(o.Key, o.Value, 0, now)}
	case OpPutTTL:
		return Result{Err: h.Model.Put(o.Key, o.Value, o.TTL, now)}
	case OpGet:
		v, err := h.Model.Get(o.Key, now)

		return Result{Value: v, Err: err}
	case OpPeek:
		v, err := h.Model.Peek(o.Key, now)

		return Result{Value: v, Err: err}
	case OpDelete:
		return Result{Err: h.Model.Delete(o.Key)}
	case OpAdvance, OpReopen:
		return Result{}
	default:
		panic("unknown operation " + op.Name())
	}
}

// ApplyReal applies op to the store. OpAdvance moves the shared clock, so
// it must run after ApplyModel.
func ApplyReal(tb testing.TB, h *Harness, op Operation) Result {
	tb.Helper()

	switch o := op.(type) {
	case OpPut:
		return Result{Err: h.Real.Put(o.Key, o.Value)}
	case OpPutTTL:
		return Result{Err: h.Real.PutTTL(o.Key, o.Value, o.TTL)}
	case OpGet:
		v, err := h.Real.Get(o.Key)

		return Result{Value: v, Err: err}
	case OpPeek:
		v, err := h.Real.Peek(o.Key)

		return Result{Value: v, Err: err}
	case OpDelete:
		return Result{Err: h.Real.Delete(o.Key)}
	case OpAdvance:
		h.Clock.Advance(o.By)

		return Result{}
	case OpReopen:
		err := h.Real.Close()
		if err != nil {
			return Result{Err: err}
		}

		reopen := h.Options
		reopen.PageCount = 0

		c, err := mmcache.Open(reopen)
		if err != nil {
			tb.Fatalf("reopen: %v", err)
		}

		h.Real = c

		return Result{}
	default:
		tb.Fatalf("unknown operation %s", op.Name())

		return Result{}
	}
}

// sameBytes treats nil and empty slices as equal.
var sameBytes = cmp.Comparer(func(a, b []byte) bool { return string(a) == string(b) })

var kinds = []error{
	mmcache.ErrNotFound,
	mmcache.ErrInvalidArgument,
	mmcache.ErrTooLarge,
	mmcache.ErrOutOfSpace,
	mmcache.ErrClosed,
}

// kind maps err to the sentinel it wraps. Messages differ between the
// two sides; only the kind is compared.
func kind(err error) error {
	if err == nil {
		return nil
	}

	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}

	return err
}

// AssertOpMatch fails when the two results disagree.
func AssertOpMatch(tb testing.TB, step int, op Operation, want, got Result) {
	tb.Helper()

	if kind(want.Err) != kind(got.Err) {
		tb.Fatalf("step %d %s: error = %v, model wants %v", step, op, got.Err, want.Err)
	}

	if diff := cmp.Diff(want.Value, got.Value, sameBytes); diff != "" {
		tb.Fatalf("step %d %s: value mismatch (-model +real):\n%s", step, op, diff)
	}
}

// CompareState checks the live entries in recency order, the counters, and
// the structural audit.
func CompareState(tb testing.TB, step int, h *Harness) {
	tb.Helper()

	now := h.Clock.Now()

	want := h.Model.Live(now)

	got := make([]model.Entry, 0, len(want))

	err := h.Real.Range(func(e mmcache.Entry) bool {
		var at int64
		if !e.Expires.IsZero() {
			at = e.Expires.Unix()
		}

		got = append(got, model.Entry{Key: e.Key, Value: e.Value, ExpiresAt: at})

		return true
	})
	if err != nil {
		tb.Fatalf("step %d: range: %v", step, err)
	}

	if diff := cmp.Diff(want, got, sameBytes); diff != "" {
		tb.Fatalf("step %d: live entries differ (-model +real):\n%s", step, diff)
	}

	st, err := h.Real.Stats()
	if err != nil {
		tb.Fatalf("step %d: stats: %v", step, err)
	}

	if st.EntriesUsed != uint64(h.Model.Len()) || st.BytesUsed != h.Model.Bytes() {
		tb.Fatalf("step %d: stats entries=%d bytes=%d, model entries=%d bytes=%d",
			step, st.EntriesUsed, st.BytesUsed, h.Model.Len(), h.Model.Bytes())
	}

	rep, err := h.Real.Verify()
	if err != nil {
		tb.Fatalf("step %d: verify: %v", step, err)
	}

	if !rep.OK() {
		tb.Fatalf("step %d: verify: %v", step, rep.Problems)
	}
}

// RunBehavior decodes up to maxOps operations from data, applies each to
// both sides and compares. Full state is compared every compareEvery steps
// and at the end.
func RunBehavior(tb testing.TB, opts mmcache.Options, data []byte, maxOps, compareEvery int) {
	tb.Helper()

	h := NewHarness(tb, opts)
	gen := NewOpGenerator(data)

	step := 0

	for ; step < maxOps && gen.HasMore(); step++ {
		op := gen.Next()

		want := ApplyModel(h, op)
		got := ApplyReal(tb, h, op)

		AssertOpMatch(tb, step, op, want, got)

		if compareEvery > 0 && step%compareEvery == 0 {
			CompareState(tb, step, h)
		}
	}

	CompareState(tb, step, h)
}
