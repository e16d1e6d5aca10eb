package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
)

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// FailureObserver is notified when an entry could not be recorded.
type FailureObserver interface {
	AuditFailed(action string)
}

// Spec describes the entry an audited operation produces.
type Spec struct {
	Action      Action
	Description string
	TargetID    *int64
	TargetType  TargetType
	Details     map[string]any
}

// Outcome values stored under details["outcome"].
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Interceptor wraps operations with best-effort audit recording.
type Interceptor struct {
	recorder Recorder
	logger   *slog.Logger
	observer FailureObserver
	now      func() time.Time
}

// InterceptorOption customises an Interceptor.
type InterceptorOption func(*Interceptor)

// WithFailureObserver reports swallowed recording failures.
func WithFailureObserver(o FailureObserver) InterceptorOption {
	return func(i *Interceptor) { i.observer = o }
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) InterceptorOption {
	return func(i *Interceptor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewInterceptor constructs an Interceptor.
func NewInterceptor(recorder Recorder, logger *slog.Logger, opts ...InterceptorOption) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Interceptor{recorder: recorder, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Around runs op and then, when actor is present, records an entry described
// by spec. The result of op is returned unchanged whatever happens while
// recording.
func Around[T any](ctx context.Context, in *Interceptor, actor *rbac.Principal, spec Spec, op func(context.Context) (T, error)) (T, error) {
	result, err := op(ctx)
	if actor != nil {
		in.record(ctx, actor.ID, spec, err == nil)
	}
	return result, err
}

// Wrap is Around for operations without a result value.
func (in *Interceptor) Wrap(ctx context.Context, actor *rbac.Principal, spec Spec, op func(context.Context) error) error {
	_, err := Around(ctx, in, actor, spec, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Log records an entry outside of any wrapped operation, such as a failed
// login that has no principal. Errors are swallowed like in Around.
func (in *Interceptor) Log(ctx context.Context, actorID int64, spec Spec, succeeded bool) {
	in.record(ctx, actorID, spec, succeeded)
}

func (in *Interceptor) record(ctx context.Context, actorID int64, spec Spec, succeeded bool) {
	if in == nil || in.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			in.fail(ctx, spec.Action, fmt.Errorf("%w: recorder panic: %v", shared.ErrAuditFailure, r))
		}
	}()

	entry := in.build(ctx, actorID, spec, succeeded)
	if err := entry.Validate(); err != nil {
		in.fail(ctx, spec.Action, err)
		return
	}
	if err := in.recorder.Record(ctx, entry); err != nil {
		in.fail(ctx, spec.Action, fmt.Errorf("%w: %v", shared.ErrAuditFailure, err))
	}
}

func (in *Interceptor) build(ctx context.Context, actorID int64, spec Spec, succeeded bool) Entry {
	details := make(map[string]any, len(spec.Details)+5)
	for k, v := range spec.Details {
		details[k] = v
	}
	if meta, ok := shared.RequestMetaFromContext(ctx); ok {
		for k, v := range meta.AuditDetails() {
			if _, exists := details[k]; !exists {
				details[k] = v
			}
		}
	}
	if _, exists := details["outcome"]; !exists {
		if succeeded {
			details["outcome"] = OutcomeSuccess
		} else {
			details["outcome"] = OutcomeFailure
		}
	}
	description := spec.Description
	if description == "" {
		description = string(spec.Action) + " performed"
	}
	return Entry{
		ID:          uuid.New(),
		ActorID:     actorID,
		Action:      spec.Action,
		Description: description,
		TargetID:    spec.TargetID,
		TargetType:  spec.TargetType,
		Details:     details,
		CreatedAt:   in.now().UTC(),
	}
}

func (in *Interceptor) fail(ctx context.Context, action Action, err error) {
	in.logger.WarnContext(ctx, "audit entry dropped", slog.String("action", string(action)), slog.Any("error", err))
	if in.observer != nil {
		in.observer.AuditFailed(string(action))
	}
}
