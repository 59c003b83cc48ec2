package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/eventbus"
	"fanout/internal/ledger"
	"fanout/internal/session"
	"fanout/internal/throttle"
	"fanout/pkg/clock"
)

type harness struct {
	orch     *Orchestrator
	clock    *clock.Fake
	sessions *session.Registry
	ledger   *ledger.Memory
	bus      eventbus.Bus
	deliver  *scriptedDeliverer
	remove   *scriptedRemover
	obs      *countingObserver
}

type scriptedDeliverer struct {
	mu    sync.Mutex
	calls []string
	fn    func(recipient string, attempt int) (Receipt, error)
}

func (d *scriptedDeliverer) Deliver(_ context.Context, recipient string, _ Payload) (Receipt, error) {
	d.mu.Lock()
	d.calls = append(d.calls, recipient)
	attempt := 0
	for _, c := range d.calls {
		if c == recipient {
			attempt++
		}
	}
	fn := d.fn
	d.mu.Unlock()
	if fn == nil {
		return Receipt{ExternalID: "ext-" + recipient}, nil
	}
	return fn(recipient, attempt)
}

func (d *scriptedDeliverer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type scriptedRemover struct {
	mu      sync.Mutex
	removed []string
	fail    map[string]error
}

func (r *scriptedRemover) Remove(_ context.Context, recipient, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[externalID]; err != nil {
		return err
	}
	r.removed = append(r.removed, recipient+"/"+externalID)
	return nil
}

type countingObserver struct {
	mu         sync.Mutex
	deliveries map[string]int
	floods     int
	deletions  map[bool]int
}

func (c *countingObserver) ObserveDelivery(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries[status]++
}

func (c *countingObserver) ObserveFloodWait(string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floods++
}

func (c *countingObserver) ObserveThrottleWait(time.Duration) {}

func (c *countingObserver) ObserveDeletion(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletions[ok]++
}

func newHarness(t *testing.T, cfg Config, tcfg throttle.Config) *harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	reg := session.NewRegistry(bus, session.WithClock(fc))
	_, err := reg.Register("acct")
	require.NoError(t, err)
	lim, err := throttle.New(tcfg, throttle.WithClock(fc))
	require.NoError(t, err)

	h := &harness{
		clock:    fc,
		sessions: reg,
		ledger:   ledger.NewMemory(),
		bus:      bus,
		deliver:  &scriptedDeliverer{},
		remove:   &scriptedRemover{fail: map[string]error{}},
		obs:      &countingObserver{deliveries: map[string]int{}, deletions: map[bool]int{}},
	}
	h.orch, err = New(cfg, Deps{
		Throttle:  lim,
		Sessions:  reg,
		Ledger:    h.ledger,
		Deliverer: h.deliver,
		Remover:   h.remove,
		Bus:       bus,
	}, WithClock(fc), WithObserver(h.obs))
	require.NoError(t, err)
	return h
}

func roomyThrottle() throttle.Config {
	return throttle.Config{
		Global:    throttle.Bucket{Capacity: 1000, Per: time.Second},
		Recipient: throttle.Bucket{Capacity: 100, Per: time.Second},
	}
}

var msg = Payload{SourceID: "src-1", Text: "hello"}

func requireInvariant(t *testing.T, s Summary) {
	t.Helper()
	require.Equal(t, s.Total, s.Successful+s.Failed+s.Skipped)
	require.Len(t, s.Results, s.Total)
}

func TestFanOutAllSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())

	sum, err := h.orch.FanOut(context.Background(), "acct", []string{"a", "b", "c"}, msg)
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Successful)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Skipped)
	assert.Equal(t, []string{"a", "b", "c"}, h.deliver.Calls())

	recs, err := h.ledger.FindByMessage(context.Background(), "src-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, ledger.StatusSuccess, r.Status)
		assert.Equal(t, "ext-"+r.RecipientID, r.ExternalID)
		assert.Equal(t, []string{r.ExternalID}, r.ItemIDs)
	}
	assert.Equal(t, 3, h.obs.deliveries["success"])
}

func TestFanOutEmptyRecipients(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	sum, err := h.orch.FanOut(context.Background(), "acct", nil, msg)
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Zero(t, sum.Total)
}

func TestFanOutFloodWaitPausesAndContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	h.deliver.fn = func(recipient string, _ int) (Receipt, error) {
		if recipient == "b" {
			return Receipt{}, &FloodWaitError{Wait: 30 * time.Second}
		}
		return Receipt{ExternalID: "ok-" + recipient}, nil
	}
	events, unsub := h.bus.Subscribe(8, session.EventAutoPaused)
	defer unsub()
	start := h.clock.Now()

	sum, err := h.orch.FanOut(context.Background(), "acct", []string{"a", "b", "c"}, msg)
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"a", "b", "c"}, h.deliver.Calls(), "recipients after the flood wait are still attempted")

	assert.Equal(t, ledger.StatusFailed, sum.Results[1].Status)
	assert.Contains(t, sum.Results[1].Error, "flood wait")

	s, err := h.sessions.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAutoPaused, s.Status)
	assert.WithinDuration(t, start.Add(30*time.Second), s.FloodWaitUntil, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, 1, h.obs.floods)

	recs, err := h.ledger.FindByMessage(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, recs[1].Status)
}

func TestFanOutSecondFloodWaitDoesNotShortenPause(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	h.deliver.fn = func(recipient string, _ int) (Receipt, error) {
		switch recipient {
		case "a":
			return Receipt{}, &FloodWaitError{Wait: time.Minute}
		case "b":
			return Receipt{}, &FloodWaitError{Wait: 5 * time.Second}
		}
		return Receipt{ExternalID: "x"}, nil
	}
	start := h.clock.Now()
	_, err := h.orch.FanOut(context.Background(), "acct", []string{"a", "b"}, msg)
	require.NoError(t, err)

	s, err := h.sessions.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), s.FloodWaitUntil)
}

func TestFanOutRecordsFailuresWithoutRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxRetries: 5}, roomyThrottle())
	h.deliver.fn = func(recipient string, _ int) (Receipt, error) {
		switch recipient {
		case "a":
			return Receipt{}, errors.New("connection reset")
		case "b":
			return Receipt{}, Permanent(errors.New("bot was blocked by the user"))
		}
		return Receipt{ExternalID: "ok"}, nil
	}
	sum, err := h.orch.FanOut(context.Background(), "acct", []string{"a", "b", "c"}, msg)
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, []string{"a", "b", "c"}, h.deliver.Calls())
	assert.Equal(t, "connection reset", sum.Results[0].Error)

	s, err := h.sessions.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)
}

func TestFanOutSkipsDuplicatesAndDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx := context.Background()
	require.NoError(t, h.ledger.Record(ctx, ledger.Record{SourceID: "src-1", RecipientID: "a", Status: ledger.StatusSuccess, ExternalID: "old"}))
	require.NoError(t, h.ledger.Record(ctx, ledger.Record{SourceID: "src-1", RecipientID: "b", Status: ledger.StatusFailed, ErrorInfo: "earlier"}))

	sum, err := h.orch.FanOut(ctx, "acct", []string{"a", "b", "b", "c", " "}, msg)
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, []string{"b", "c"}, h.deliver.Calls())
	assert.Equal(t, "old", sum.Results[0].ExternalID)

	recs, err := h.ledger.FindByMessage(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "old", recs[0].ExternalID, "a delivered record is never overwritten")
}

func TestFanOutValidatesArguments(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx := context.Background()
	_, err := h.orch.FanOut(ctx, "", []string{"a"}, msg)
	require.ErrorIs(t, err, ErrNoIdentity)
	_, err = h.orch.FanOut(ctx, "acct", []string{"a"}, Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = h.orch.FanOut(ctx, "acct", []string{"a"}, Payload{SourceID: "s"})
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, h.deliver.Calls())
}

func TestFanOutStopsBetweenRecipientsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx, cancel := context.WithCancel(context.Background())
	h.deliver.fn = func(recipient string, _ int) (Receipt, error) {
		if recipient == "b" {
			cancel()
		}
		return Receipt{ExternalID: "id-" + recipient}, nil
	}
	sum, err := h.orch.FanOut(ctx, "acct", []string{"a", "b", "c"}, msg)
	require.ErrorIs(t, err, context.Canceled)
	requireInvariant(t, sum)
	assert.Equal(t, 2, sum.Successful, "the in-flight delivery completes and is recorded")
	assert.Equal(t, []string{"a", "b"}, h.deliver.Calls())
}

// cancellingThrottle admits the first n acquisitions, then cancels the
// caller's context and reports it as a wait cut short.
type cancellingThrottle struct {
	n      int
	cancel context.CancelFunc
}

func (c *cancellingThrottle) Acquire(ctx context.Context, _ ...string) (time.Duration, error) {
	if c.n > 0 {
		c.n--
		return 0, nil
	}
	c.cancel()
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestFanOutRecordsRecipientCutOffInThrottleWait(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch, err := New(Config{}, Deps{
		Throttle:  &cancellingThrottle{n: 1, cancel: cancel},
		Sessions:  h.sessions,
		Ledger:    h.ledger,
		Deliverer: h.deliver,
		Bus:       h.bus,
	}, WithClock(h.clock))
	require.NoError(t, err)

	sum, err := orch.FanOut(ctx, "acct", []string{"a", "b", "c"}, msg)
	require.ErrorIs(t, err, context.Canceled)
	requireInvariant(t, sum)
	assert.Equal(t, []string{"a"}, h.deliver.Calls())
	require.Len(t, sum.Results, 2)
	assert.Equal(t, ledger.StatusSuccess, sum.Results[0].Status)
	assert.Equal(t, ledger.StatusFailed, sum.Results[1].Status)
	assert.Contains(t, sum.Results[1].Error, context.Canceled.Error())

	recs, err := h.ledger.FindByMessage(context.Background(), msg.SourceID)
	require.NoError(t, err)
	byRecipient := map[string]ledger.Status{}
	for _, r := range recs {
		byRecipient[r.RecipientID] = r.Status
	}
	assert.Equal(t, map[string]ledger.Status{"a": ledger.StatusSuccess, "b": ledger.StatusFailed}, byRecipient)
}

func TestFanOutThroughGlobalThrottle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, throttle.Config{
		Global:    throttle.Bucket{Capacity: 2, Per: time.Second},
		Recipient: throttle.Bucket{Capacity: 1, Per: time.Minute},
	})
	start := h.clock.Now()
	sum, err := h.orch.FanOut(context.Background(), "acct", []string{"a", "b", "c"}, msg)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Successful)
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), 500*time.Millisecond)
}

func TestForwardSingleRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, roomyThrottle())
	h.deliver.fn = func(_ string, attempt int) (Receipt, error) {
		if attempt < 3 {
			return Receipt{}, fmt.Errorf("timeout %d", attempt)
		}
		return Receipt{ExternalID: "m1"}, nil
	}
	res, err := h.orch.ForwardSingle(context.Background(), "acct", "u", msg)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)

	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 2, "one backoff between each pair of attempts")
	assert.GreaterOrEqual(t, sleeps[0], 50*time.Millisecond)
	assert.LessOrEqual(t, sleeps[0], 100*time.Millisecond)
	assert.LessOrEqual(t, sleeps[1], 200*time.Millisecond)

	recs, err := h.ledger.FindByMessage(context.Background(), "src-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].RetryCount)
}

func TestForwardSingleSurfacesFinalError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond}, roomyThrottle())
	h.deliver.fn = func(_ string, attempt int) (Receipt, error) {
		return Receipt{}, fmt.Errorf("attempt %d failed", attempt)
	}
	res, err := h.orch.ForwardSingle(context.Background(), "acct", "u", msg)
	require.EqualError(t, err, "attempt 3 failed")
	assert.Equal(t, ledger.StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, h.deliver.Calls(), 3)
}

func TestForwardSingleDoesNotRetryFloodOrPermanent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantPause bool
	}{
		{name: "flood wait", err: &FloodWaitError{Wait: 10 * time.Second}, wantPause: true},
		{name: "permanent", err: Permanent(errors.New("chat not found"))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{MaxRetries: 4}, roomyThrottle())
			h.deliver.fn = func(string, int) (Receipt, error) { return Receipt{}, tt.err }

			res, err := h.orch.ForwardSingle(context.Background(), "acct", "u", msg)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, res.Attempts)
			assert.Len(t, h.deliver.Calls(), 1)

			s, gerr := h.sessions.Get("acct")
			require.NoError(t, gerr)
			if tt.wantPause {
				assert.Equal(t, session.StatusAutoPaused, s.Status)
			} else {
				assert.Equal(t, session.StatusActive, s.Status)
			}
		})
	}
}

func TestDeleteDeliveries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx := context.Background()
	h.deliver.fn = func(recipient string, _ int) (Receipt, error) {
		switch recipient {
		case "album":
			return Receipt{ExternalID: "10", GroupedID: "g", Count: 3, ExternalIDs: []string{"10", "11", "12"}}, nil
		case "broken":
			return Receipt{ExternalID: "20"}, nil
		case "never":
			return Receipt{}, errors.New("down")
		}
		return Receipt{ExternalID: "30"}, nil
	}
	_, err := h.orch.FanOut(ctx, "acct", []string{"album", "broken", "never", "plain"}, msg)
	require.NoError(t, err)

	h.remove.fail["20"] = errors.New("message can't be deleted")
	sum, err := h.orch.DeleteDeliveries(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Deleted)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Results, 3)
	assert.Equal(t, []string{"album/10", "album/11", "album/12", "plain/30"}, h.remove.removed)
	assert.Equal(t, 2, h.obs.deletions[true])

	recs, err := h.ledger.FindByMessage(ctx, "src-1")
	require.NoError(t, err)
	byRecipient := map[string]ledger.Record{}
	for _, r := range recs {
		byRecipient[r.RecipientID] = r
	}
	assert.Equal(t, ledger.StatusDeleted, byRecipient["album"].Status)
	assert.Equal(t, ledger.StatusDeleted, byRecipient["plain"].Status)
	assert.Equal(t, ledger.StatusSuccess, byRecipient["broken"].Status, "a failed delete keeps the status")
	assert.Contains(t, byRecipient["broken"].ErrorInfo, "can't be deleted")
	assert.Equal(t, ledger.StatusFailed, byRecipient["never"].Status)

	// Second pass only revisits what is still undeleted.
	delete(h.remove.fail, "20")
	sum, err = h.orch.DeleteDeliveries(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Deleted)
}

func TestPartialSendStaysDeletable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx := context.Background()
	h.deliver.fn = func(_ string, attempt int) (Receipt, error) {
		if attempt == 1 {
			return Receipt{ExternalIDs: []string{"1", "2"}}, &FloodWaitError{Wait: time.Second}
		}
		return Receipt{ExternalID: "3"}, nil
	}

	sum, err := h.orch.FanOut(ctx, "acct", []string{"a"}, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	recs, err := h.ledger.FindByMessage(ctx, "src-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.StatusFailed, recs[0].Status)
	assert.Equal(t, "1", recs[0].ExternalID)
	assert.Equal(t, []string{"1", "2"}, recs[0].ItemIDs)

	// A second pass keeps the chunks sent by the first one.
	sum, err = h.orch.FanOut(ctx, "acct", []string{"a"}, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Successful)
	recs, err = h.ledger.FindByMessage(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, recs[0].Status)
	assert.Equal(t, []string{"1", "2", "3"}, recs[0].ItemIDs)

	del, err := h.orch.DeleteDeliveries(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, del.Deleted)
	assert.Equal(t, []string{"a/1", "a/2", "a/3"}, h.remove.removed)
}

func TestForwardSingleKeepsIDsOfFailedAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffMax: 100 * time.Millisecond}, roomyThrottle())
	h.deliver.fn = func(_ string, attempt int) (Receipt, error) {
		if attempt == 1 {
			return Receipt{ExternalIDs: []string{"5"}}, errors.New("connection reset")
		}
		return Receipt{ExternalID: "6"}, nil
	}
	res, err := h.orch.ForwardSingle(context.Background(), "acct", "u", msg)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, res.Status)

	recs, err := h.ledger.FindByMessage(context.Background(), "src-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"5", "6"}, recs[0].ItemIDs)
	assert.Equal(t, "6", recs[0].ExternalID)
}

func TestDeleteDeliveriesMarksOnlyItsOwnSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, roomyThrottle())
	ctx := context.Background()
	h.deliver.fn = func(string, int) (Receipt, error) { return Receipt{ExternalID: "7"}, nil }

	for _, src := range []string{"s1", "s2"} {
		_, err := h.orch.FanOut(ctx, "acct", []string{"10"}, Payload{SourceID: src, Text: "x"})
		require.NoError(t, err)
	}
	_, err := h.orch.DeleteDeliveries(ctx, "s2")
	require.NoError(t, err)

	s1, err := h.ledger.FindByMessage(ctx, "s1")
	require.NoError(t, err)
	s2, err := h.ledger.FindByMessage(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, s1[0].Status)
	assert.Equal(t, ledger.StatusDeleted, s2[0].Status)
}

func TestDeleteDeliveriesRequiresRemover(t *testing.T) {
	t.Parallel()
	lim, err := throttle.New(roomyThrottle())
	require.NoError(t, err)
	o, err := New(Config{}, Deps{
		Throttle:  lim,
		Sessions:  session.NewRegistry(nil),
		Ledger:    ledger.NewMemory(),
		Deliverer: &scriptedDeliverer{},
	})
	require.NoError(t, err)
	_, err = o.DeleteDeliveries(context.Background(), "src")
	require.ErrorIs(t, err, ErrNoRemover)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
