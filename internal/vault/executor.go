// Package vault is the risk protection executor: it authorizes the caller,
// checks that the position is at risk, and applies a batch of safety actions
// inside one unit of work so the batch commits or aborts as a whole.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/blendguard/safety-vault/internal/events"
	"github.com/blendguard/safety-vault/internal/metrics"
	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/risk"
)

// Info is the static description returned by Executor.Info.
const Info = "SafetyVault v1.0 - BlendGuard Hackathon"

// Executor runs safety action batches. It keeps no position data between
// calls; all durable state lives with the collaborators.
type Executor struct {
	auth      Authorizer
	oracle    PositionOracle
	uow       UnitOfWork
	gate      *risk.Gate
	ids       *snowflake.Node
	publisher events.Publisher
	now       func() time.Time
	inflight  *inflight
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher sets where committed-batch events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithIDNode sets the snowflake node used for batch IDs.
func WithIDNode(n *snowflake.Node) Option {
	return func(e *Executor) { e.ids = n }
}

// WithClock overrides the clock used for journal timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor. A nil gate uses the default threshold.
func NewExecutor(auth Authorizer, oracle PositionOracle, uow UnitOfWork, gate *risk.Gate, opts ...Option) *Executor {
	if gate == nil {
		gate = risk.NewGate(risk.DefaultThreshold)
	}
	e := &Executor{
		auth:     auth,
		oracle:   oracle,
		uow:      uow,
		gate:     gate,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: newInflight(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ids == nil {
		// Node 0 is always in range, so NewNode cannot fail here.
		e.ids, _ = snowflake.NewNode(0)
	}
	return e
}

// Info returns static descriptive metadata. It needs no authorization.
func (e *Executor) Info() string {
	return Info
}

// Execute applies batch to user's position on behalf of caller and returns
// the refreshed position. On any error nothing the batch did is kept, and
// the error is an *ExecutionError naming the kind that caused the abort.
func (e *Executor) Execute(ctx context.Context, caller model.Principal, user string, batch model.ActionBatch) (pos model.Position, err error) {
	start := time.Now()
	outcome := "committed"
	defer func() {
		if err != nil {
			outcome = "error"
			if kind, ok := KindOf(err); ok {
				outcome = kind.String()
			}
		}
		metrics.BatchesTotal.WithLabelValues(outcome).Inc()
		metrics.BatchLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	// Authorization runs before anything that could reveal risk state.
	if err := e.auth.Authorize(ctx, caller, user); err != nil {
		slog.Warn("unauthorized batch", "user", user, "caller", caller.Subject, "err", err)
		return model.Position{}, gateError(KindUnauthorized, err)
	}

	// A collaborator calling back in while its own work is open would wait on
	// locks that work holds, whichever user it names.
	if owner, nested := openWorkOwner(ctx); nested {
		slog.Warn("nested batch rejected", "user", user, "open_work_user", owner)
		return model.Position{}, gateError(KindActionExecutionFailed,
			fmt.Errorf("%w: unit of work for %q is still open", ErrReentrantCall, owner))
	}
	if !e.inflight.acquire(user) {
		return model.Position{}, gateError(KindActionExecutionFailed, ErrReentrantCall)
	}
	defer e.inflight.release(user)

	ltv, err := e.oracle.LTVBasisPoints(ctx, user)
	if err != nil {
		return model.Position{}, gateError(KindActionExecutionFailed, fmt.Errorf("read ltv: %w", err))
	}
	if err := e.gate.CheckEligibility(ltv); err != nil {
		metrics.RiskRejections.Inc()
		slog.Info("batch rejected, position not at risk", "user", user, "ltv_bps", ltv)
		return model.Position{}, gateError(KindNotAtRisk, err)
	}

	if len(batch) == 0 {
		outcome = "noop"
		return e.snapshot(ctx, user)
	}

	batchID := e.ids.Generate().Int64()
	if err := e.apply(ctx, user, batchID, batch); err != nil {
		return model.Position{}, err
	}

	pos, err = e.snapshot(ctx, user)
	if err != nil {
		return model.Position{}, err
	}

	slog.Info("batch committed",
		"user", user,
		"batch_id", batchID,
		"actions", len(batch),
		"ltv_bps", pos.LTV,
		"health_factor_bps", pos.HealthFactor,
	)

	if e.publisher != nil {
		ev := events.Event{
			Type:      events.TypePositionProtected,
			BatchID:   batchID,
			UserID:    user,
			Actions:   batch.Kinds(),
			Position:  pos,
			Timestamp: e.now(),
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			slog.Error("publish protection event", "batch_id", batchID, "err", err)
		}
	}
	return pos, nil
}

// apply runs the batch inside one unit of work. The work is aborted on the
// first failing action, on cancellation, and if a handler panics.
func (e *Executor) apply(ctx context.Context, user string, batchID int64, batch model.ActionBatch) (err error) {
	work, err := e.uow.Begin(ctx, user)
	if err != nil {
		return gateError(KindActionExecutionFailed, fmt.Errorf("begin unit of work: %w", err))
	}
	ctx = withOpenWork(ctx, user)

	done := false
	defer func() {
		if done {
			return
		}
		metrics.Rollbacks.Inc()
		// Abort with a fresh context: the request context may be what failed.
		if abortErr := work.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			slog.Error("abort unit of work", "user", user, "batch_id", batchID, "err", abortErr)
		}
	}()

	payouts := make(map[string]float64)
	for i, action := range batch {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ExecutionError{Kind: KindActionExecutionFailed, Index: i, Err: ctxErr}
		}

		h := &handler{ctx: ctx, work: work, user: user}
		if err := action.Visit(h); err != nil {
			kind, _ := KindOf(err)
			metrics.ActionsTotal.WithLabelValues(string(action.Kind()), kind.String()).Inc()
			slog.Warn("action failed, aborting batch",
				"user", user,
				"batch_id", batchID,
				"action_index", i,
				"action", action.Kind(),
				"kind", kind,
				"err", err,
			)
			return withIndex(err, i)
		}
		metrics.ActionsTotal.WithLabelValues(string(action.Kind()), "ok").Inc()

		rec := h.record
		rec.ID = newRecordID()
		rec.BatchID = batchID
		rec.Seq = i
		rec.UserID = user
		rec.Timestamp = e.now()
		if err := work.Record(ctx, rec); err != nil {
			return &ExecutionError{Kind: KindActionExecutionFailed, Index: i, Err: fmt.Errorf("record action: %w", err)}
		}
		if rec.Payout.IsPositive() {
			payouts[rec.PoolID] += rec.Payout.InexactFloat64()
		}
	}

	if err := work.Commit(ctx); err != nil {
		done = true // a failed commit has already rolled back
		return gateError(KindActionExecutionFailed, fmt.Errorf("commit unit of work: %w", err))
	}
	done = true
	for pool, amount := range payouts {
		metrics.InsurancePayouts.WithLabelValues(pool).Add(amount)
	}
	return nil
}

func (e *Executor) snapshot(ctx context.Context, user string) (model.Position, error) {
	pos, err := e.oracle.Position(ctx, user)
	if err != nil {
		return model.Position{}, gateError(KindActionExecutionFailed, fmt.Errorf("read position: %w", err))
	}
	return pos, nil
}

func withIndex(err error, i int) error {
	if ee, ok := err.(*ExecutionError); ok {
		ee.Index = i
		return ee
	}
	return &ExecutionError{Kind: KindActionExecutionFailed, Index: i, Err: err}
}
