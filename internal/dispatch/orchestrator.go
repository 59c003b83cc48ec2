package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fanout/internal/eventbus"
	"fanout/internal/ledger"
	"fanout/internal/throttle"
	"fanout/pkg/clock"
	logx "fanout/pkg/logx"
)

// Config tunes ForwardSingle retries. FanOut never retries.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * time.Second
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Remover and Bus are
// optional.
type Deps struct {
	Throttle  Throttle
	Sessions  Pauser
	Ledger    ledger.Ledger
	Deliverer Deliverer
	Remover   Remover
	Bus       eventbus.Bus
}

const (
	EventFanOutFinished = "dispatch.fanout.finished"
	EventDeleteFinished = "dispatch.delete.finished"
)

// Orchestrator fans payloads out to recipients through the global and
// per-recipient throttle scopes, records every outcome in the ledger, and
// auto-pauses the sending identity on flood waits.
type Orchestrator struct {
	deps Deps

	mu  sync.RWMutex
	cfg Config

	clock clock.Clock
	log   logx.Logger
	obs   Observer
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Throttle == nil:
		return nil, errors.New("dispatch: throttle is required")
	case deps.Sessions == nil:
		return nil, errors.New("dispatch: session registry is required")
	case deps.Ledger == nil:
		return nil, errors.New("dispatch: ledger is required")
	case deps.Deliverer == nil:
		return nil, errors.New("dispatch: deliverer is required")
	}
	o := &Orchestrator{deps: deps, cfg: cfg.withDefaults(), clock: clock.Real()}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o, nil
}

// Apply swaps the retry configuration for subsequent calls.
func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func validate(identity string, p Payload) error {
	if strings.TrimSpace(identity) == "" {
		return ErrNoIdentity
	}
	if strings.TrimSpace(p.SourceID) == "" {
		return ErrInvalidPayload
	}
	if p.Text == "" && (p.CopyFrom == nil || len(p.CopyFrom.MessageIDs) == 0) {
		return ErrInvalidPayload
	}
	return nil
}

// FanOut delivers p to recipients one at a time, in order. Per-recipient
// failures are reported in the Summary and never stop the loop. The
// returned error is non-nil only for invalid arguments or when ctx ends;
// the Summary then covers the recipients reached. ctx also ends a throttle
// wait, and the recipient waiting at that moment is recorded failed with
// the context error. A delivery already handed to the Deliverer completes.
func (o *Orchestrator) FanOut(ctx context.Context, identity string, recipients []string, p Payload) (Summary, error) {
	sum := Summary{SourceID: p.SourceID, Results: make([]Result, 0, len(recipients))}
	if err := validate(identity, p); err != nil {
		return sum, err
	}
	log := o.log.With(logx.String("identity", identity), logx.String("source", p.SourceID))
	start := o.clock.Now()

	delivered, leftover := o.priorDeliveries(ctx, p.SourceID, log)
	seen := make(map[string]struct{}, len(recipients))

	for _, raw := range recipients {
		if err := ctx.Err(); err != nil {
			o.finishFanOut(log, identity, sum, start)
			return sum, err
		}
		id := strings.TrimSpace(raw)
		if id == "" {
			sum.add(Result{RecipientID: raw, Status: ledger.StatusSkipped, Error: "empty recipient"})
			o.observeDelivery(ledger.StatusSkipped)
			continue
		}
		if _, dup := seen[id]; dup {
			sum.add(Result{RecipientID: id, Status: ledger.StatusSkipped, Error: "duplicate recipient"})
			o.observeDelivery(ledger.StatusSkipped)
			continue
		}
		seen[id] = struct{}{}
		if ext, ok := delivered[id]; ok {
			sum.add(Result{RecipientID: id, Status: ledger.StatusSkipped, ExternalID: ext})
			o.observeDelivery(ledger.StatusSkipped)
			continue
		}

		res, err := o.deliverOnce(ctx, log, identity, id, p, leftover[id])
		sum.add(res)
		if err != nil {
			o.finishFanOut(log, identity, sum, start)
			return sum, err
		}
	}
	o.finishFanOut(log, identity, sum, start)
	return sum, nil
}

// deliverOnce runs one throttled attempt for one recipient and records it.
// carried holds message IDs left by earlier partial attempts; they stay on
// the row so deletion still reaches them. It returns an error only when ctx
// ended during the throttle wait.
func (o *Orchestrator) deliverOnce(ctx context.Context, log logx.Logger, identity, id string, p Payload, carried []string) (Result, error) {
	o.record(ctx, log, withItems(ledger.Record{SourceID: p.SourceID, RecipientID: id, Status: ledger.StatusPending}, carried))

	if err := o.acquire(ctx, id); err != nil {
		o.record(ctx, log, withItems(ledger.Record{SourceID: p.SourceID, RecipientID: id, Status: ledger.StatusFailed, ErrorInfo: err.Error()}, carried))
		o.observeDelivery(ledger.StatusFailed)
		return Result{RecipientID: id, Status: ledger.StatusFailed, Error: err.Error()}, err
	}

	out := Classify(o.deps.Deliverer.Deliver(context.WithoutCancel(ctx), id, p))
	res := o.settle(ctx, log, identity, id, p, out, 0, carried)
	res.Attempts = 1
	return res, nil
}

// settle writes the terminal record for one classified attempt. IDs from
// carried and from a partial failed Receipt are kept on the row.
func (o *Orchestrator) settle(ctx context.Context, log logx.Logger, identity, id string, p Payload, out Outcome, retries int, carried []string) Result {
	rec := ledger.Record{SourceID: p.SourceID, RecipientID: id, RetryCount: retries}
	res := Result{RecipientID: id}
	switch out.Kind {
	case KindSuccess:
		rec.Status = ledger.StatusSuccess
		rec.ExternalID = out.Receipt.ExternalID
		rec.GroupedID = out.Receipt.GroupedID
		rec.Count = out.Receipt.Count
		rec.ItemIDs = out.Receipt.itemIDs()
		if len(carried) > 0 {
			rec.ItemIDs = append(append([]string(nil), carried...), rec.ItemIDs...)
			rec.Count = len(rec.ItemIDs)
			if rec.ExternalID == "" {
				rec.ExternalID = rec.ItemIDs[0]
			}
		}
		res.Status = ledger.StatusSuccess
		res.ExternalID = rec.ExternalID
	case KindFloodWait:
		rec = withItems(rec, append(append([]string(nil), carried...), out.Receipt.itemIDs()...))
		rec.Status = ledger.StatusFailed
		rec.ErrorInfo = out.Err.Error()
		res.Status = ledger.StatusFailed
		res.Error = rec.ErrorInfo
		res.ExternalID = rec.ExternalID
		o.autoPause(log, identity, id, out.Wait)
	default:
		rec = withItems(rec, append(append([]string(nil), carried...), out.Receipt.itemIDs()...))
		rec.Status = ledger.StatusFailed
		rec.ErrorInfo = out.Err.Error()
		res.Status = ledger.StatusFailed
		res.Error = rec.ErrorInfo
		res.ExternalID = rec.ExternalID
		log.Warn("delivery failed",
			logx.String("recipient", id),
			logx.String("kind", out.Kind.String()),
			logx.Err(out.Err),
		)
	}
	o.record(ctx, log, rec)
	o.observeDelivery(rec.Status)
	return res
}

// ForwardSingle delivers p to one recipient, retrying transient failures up
// to MaxRetries times with jittered exponential backoff. Flood waits
// auto-pause the identity and are not retried; permanent errors are not
// retried. The final delivery error is returned with the Result.
func (o *Orchestrator) ForwardSingle(ctx context.Context, identity, recipientID string, p Payload) (Result, error) {
	id := strings.TrimSpace(recipientID)
	if err := validate(identity, p); err != nil {
		return Result{RecipientID: recipientID}, err
	}
	if id == "" {
		return Result{RecipientID: recipientID}, errors.New("dispatch: recipient is required")
	}
	cfg := o.config()
	log := o.log.With(logx.String("identity", identity), logx.String("source", p.SourceID), logx.String("recipient", id))

	_, leftover := o.priorDeliveries(ctx, p.SourceID, log)
	carried := leftover[id]
	o.record(ctx, log, withItems(ledger.Record{SourceID: p.SourceID, RecipientID: id, Status: ledger.StatusPending}, carried))
	if err := o.acquire(ctx, id); err != nil {
		o.record(ctx, log, withItems(ledger.Record{SourceID: p.SourceID, RecipientID: id, Status: ledger.StatusFailed, ErrorInfo: err.Error()}, carried))
		o.observeDelivery(ledger.StatusFailed)
		return Result{RecipientID: id, Status: ledger.StatusFailed, Error: err.Error()}, err
	}

	var out Outcome
	attempt := 0
	for {
		out = Classify(o.deps.Deliverer.Deliver(context.WithoutCancel(ctx), id, p))
		if out.Kind != KindTransient || attempt >= cfg.MaxRetries {
			break
		}
		carried = append(carried, out.Receipt.itemIDs()...)
		delay := throttle.CalculateBackoff(attempt, cfg.BackoffBase, cfg.BackoffMax)
		log.Debug("delivery retry scheduled", logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(out.Err))
		if err := o.clock.Sleep(ctx, delay); err != nil {
			out = Outcome{Kind: KindTransient, Err: fmt.Errorf("%w (last error: %v)", err, out.Err)}
			break
		}
		attempt++
	}

	res := o.settle(ctx, log, identity, id, p, out, attempt, carried)
	res.Attempts = attempt + 1
	if out.Kind != KindSuccess {
		return res, out.Err
	}
	return res, nil
}

// DeleteDeliveries removes every message recorded for sourceID that is not
// already deleted. Each removal goes through the recipient's throttle
// scope. A failed removal is recorded on the ledger row and leaves its
// status unchanged.
func (o *Orchestrator) DeleteDeliveries(ctx context.Context, sourceID string) (DeleteSummary, error) {
	sum := DeleteSummary{SourceID: sourceID}
	if strings.TrimSpace(sourceID) == "" {
		return sum, ErrInvalidPayload
	}
	if o.deps.Remover == nil {
		return sum, ErrNoRemover
	}
	recs, err := o.deps.Ledger.FindByMessage(ctx, sourceID)
	if err != nil {
		return sum, fmt.Errorf("dispatch: find deliveries: %w", err)
	}
	log := o.log.With(logx.String("source", sourceID))

	for _, rec := range recs {
		if rec.Status == ledger.StatusDeleted || rec.ExternalID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			o.finishDelete(log, sum)
			return sum, err
		}
		res, err := o.deleteRecord(ctx, log, rec)
		sum.add(res)
		if err != nil {
			o.finishDelete(log, sum)
			return sum, err
		}
	}
	o.finishDelete(log, sum)
	return sum, nil
}

func (o *Orchestrator) deleteRecord(ctx context.Context, log logx.Logger, rec ledger.Record) (DeleteResult, error) {
	res := DeleteResult{RecipientID: rec.RecipientID, ExternalID: rec.ExternalID}
	items := rec.ItemIDs
	if len(items) == 0 {
		items = []string{rec.ExternalID}
	}

	var failures []string
	for _, item := range items {
		if err := o.acquire(ctx, rec.RecipientID); err != nil {
			res.Error = err.Error()
			o.observeDeletion(false)
			return res, err
		}
		if err := o.deps.Remover.Remove(context.WithoutCancel(ctx), rec.RecipientID, item); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", item, err))
		}
	}

	if len(failures) > 0 {
		res.Error = "delete: " + strings.Join(failures, "; ")
		rec.ErrorInfo = res.Error
		rec.UpdatedAt = time.Time{}
		o.record(ctx, log, rec)
		o.observeDeletion(false)
		log.Warn("delete failed", logx.String("recipient", rec.RecipientID), logx.String("error", res.Error))
		return res, nil
	}
	if err := o.deps.Ledger.MarkDeleted(context.WithoutCancel(ctx), rec.SourceID, rec.RecipientID, rec.ExternalID); err != nil {
		log.Warn("ledger mark deleted failed", logx.String("recipient", rec.RecipientID), logx.Err(err))
	}
	res.Deleted = true
	o.observeDeletion(true)
	return res, nil
}

// priorDeliveries reads the ledger rows of sourceID. delivered maps
// recipients already sent successfully to their external ID. leftover holds
// the message IDs of unfinished rows whose earlier attempts sent part of the
// payload.
func (o *Orchestrator) priorDeliveries(ctx context.Context, sourceID string, log logx.Logger) (delivered map[string]string, leftover map[string][]string) {
	delivered = map[string]string{}
	leftover = map[string][]string{}
	recs, err := o.deps.Ledger.FindByMessage(ctx, sourceID)
	if err != nil {
		log.Warn("ledger lookup failed; no recipient will be skipped", logx.Err(err))
		return delivered, leftover
	}
	for _, r := range recs {
		switch r.Status {
		case ledger.StatusSuccess:
			delivered[r.RecipientID] = r.ExternalID
		case ledger.StatusDeleted:
		default:
			if ids := recordItems(r); len(ids) > 0 {
				leftover[r.RecipientID] = ids
			}
		}
	}
	return delivered, leftover
}

func recordItems(r ledger.Record) []string {
	if len(r.ItemIDs) > 0 {
		return append([]string(nil), r.ItemIDs...)
	}
	if r.ExternalID != "" {
		return []string{r.ExternalID}
	}
	return nil
}

// withItems sets the deletable message IDs of a row that is not a success.
func withItems(r ledger.Record, ids []string) ledger.Record {
	if len(ids) == 0 {
		return r
	}
	r.ItemIDs = ids
	r.ExternalID = ids[0]
	r.Count = len(ids)
	return r
}

func (o *Orchestrator) acquire(ctx context.Context, recipientID string) error {
	waited, err := o.deps.Throttle.Acquire(ctx, throttle.GlobalScope, recipientID)
	if err != nil {
		return err
	}
	if o.obs != nil {
		o.obs.ObserveThrottleWait(waited)
	}
	return nil
}

func (o *Orchestrator) autoPause(log logx.Logger, identity, recipientID string, wait time.Duration) {
	reason := fmt.Sprintf("flood wait %s on %s", wait, recipientID)
	snap, err := o.deps.Sessions.AutoPause(identity, wait, reason)
	if err != nil {
		log.Error("auto pause failed", logx.String("recipient", recipientID), logx.Duration("wait", wait), logx.Err(err))
		return
	}
	log.Warn("identity auto paused",
		logx.String("recipient", recipientID),
		logx.Duration("wait", wait),
		logx.Time("until", snap.FloodWaitUntil),
	)
	if o.obs != nil {
		o.obs.ObserveFloodWait(identity, wait)
	}
}

// record writes to the ledger even after ctx ends, so a started delivery is
// never left pending because of shutdown.
func (o *Orchestrator) record(ctx context.Context, log logx.Logger, r ledger.Record) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = o.clock.Now()
	}
	if err := o.deps.Ledger.Record(context.WithoutCancel(ctx), r); err != nil {
		log.Warn("ledger write failed", logx.String("recipient", r.RecipientID), logx.String("status", string(r.Status)), logx.Err(err))
	}
}

func (o *Orchestrator) observeDelivery(status ledger.Status) {
	if o.obs != nil {
		o.obs.ObserveDelivery(string(status))
	}
}

func (o *Orchestrator) observeDeletion(ok bool) {
	if o.obs != nil {
		o.obs.ObserveDeletion(ok)
	}
}

func (o *Orchestrator) finishFanOut(log logx.Logger, identity string, sum Summary, start time.Time) {
	log.Info("fan-out finished",
		logx.Int("total", sum.Total),
		logx.Int("successful", sum.Successful),
		logx.Int("failed", sum.Failed),
		logx.Int("skipped", sum.Skipped),
		logx.Duration("took", o.clock.Now().Sub(start)),
	)
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(eventbus.Event{Type: EventFanOutFinished, Data: FanOutEvent{
			Identity: identity, SourceID: sum.SourceID,
			Total: sum.Total, Successful: sum.Successful, Failed: sum.Failed, Skipped: sum.Skipped,
		}})
	}
}

func (o *Orchestrator) finishDelete(log logx.Logger, sum DeleteSummary) {
	log.Info("deletion finished", logx.Int("total", sum.Total), logx.Int("deleted", sum.Deleted), logx.Int("failed", sum.Failed))
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(eventbus.Event{Type: EventDeleteFinished, Data: DeleteEvent{
			SourceID: sum.SourceID, Total: sum.Total, Deleted: sum.Deleted, Failed: sum.Failed,
		}})
	}
}

type FanOutEvent struct {
	Identity   string `json:"identity"`
	SourceID   string `json:"source_id"`
	Total      int    `json:"total"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

type DeleteEvent struct {
	SourceID string `json:"source_id"`
	Total    int    `json:"total"`
	Deleted  int    `json:"deleted"`
	Failed   int    `json:"failed"`
}
