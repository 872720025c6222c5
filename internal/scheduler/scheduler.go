package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/prmigrate/internal/gateway"
)

const (
	// DefaultTaskLimit bounds concurrently submitted items per pass.
	DefaultTaskLimit = 25

	convergenceFailureTemplateConstant = "no progress after pass %d: %d items remain deferred"
	submitRequiredMessageConstant      = "scheduler requires a submit function"
	logMessagePassStartedConstant      = "Starting scheduling pass"
	logMessagePassCompletedConstant    = "Completed scheduling pass"
	logMessageItemFailedConstant       = "Work item failed"
	logMessageItemDeferredConstant     = "Work item deferred"
	logMessageConvergenceFailure       = "Scheduler reached a fixed point with deferred items"
	logMessageFatalConstant            = "Fatal remote error, draining in-flight work"
	logFieldPassConstant               = "pass"
	logFieldPendingConstant            = "pending"
	logFieldCreatedConstant            = "created"
	logFieldDeferredConstant           = "deferred"
	logFieldFailedConstant             = "failed"
	logFieldSourceIDConstant           = "source_id"
	logFieldKeysConstant               = "keys"
)

// ErrSubmitRequired indicates Run was called without a submit function.
var ErrSubmitRequired = errors.New(submitRequiredMessageConstant)

// ItemState tracks the scheduling state of a WorkItem.
type ItemState int

// Work item states.
const (
	StatePending ItemState = iota
	StateSubmitted
	StateCreated
	StateDeferred
	StateFailed
)

// String returns the state name.
func (itemState ItemState) String() string {
	switch itemState {
	case StatePending:
		return "pending"
	case StateSubmitted:
		return "submitted"
	case StateCreated:
		return "created"
	case StateDeferred:
		return "deferred"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkItem wraps one record with its scheduling state.
type WorkItem[T any] struct {
	Key    string
	Record T
	State  ItemState
	Handle gateway.Handle
	Reason error
}

// NewWorkItems wraps records in pending work items keyed by key.
func NewWorkItems[T any](recordsToSchedule []T, key func(T) string) []*WorkItem[T] {
	items := make([]*WorkItem[T], 0, len(recordsToSchedule))
	for _, record := range recordsToSchedule {
		items = append(items, &WorkItem[T]{Key: key(record), Record: record, State: StatePending})
	}
	return items
}

type outcomeKind int

const (
	outcomeCreated outcomeKind = iota
	outcomeDeferred
	outcomeFailed
)

// Outcome is the tri-state result of one submission.
type Outcome struct {
	kind   outcomeKind
	handle gateway.Handle
	err    error
}

// Created reports a successful creation.
func Created(handle gateway.Handle) Outcome {
	return Outcome{kind: outcomeCreated, handle: handle}
}

// Deferred reports that the item depends on something not created yet.
func Deferred(reason error) Outcome {
	return Outcome{kind: outcomeDeferred, err: reason}
}

// Failed reports a permanent failure for the current run.
func Failed(err error) Outcome {
	return Outcome{kind: outcomeFailed, err: err}
}

// SubmitFunc attempts to create one item.
type SubmitFunc[T any] func(executionContext context.Context, item *WorkItem[T]) Outcome

// ConvergenceFailure lists the items still deferred when a pass made no progress.
type ConvergenceFailure struct {
	Pass int
	Keys []string
}

// Error describes the convergence failure.
func (failure ConvergenceFailure) Error() string {
	return fmt.Sprintf(convergenceFailureTemplateConstant, failure.Pass, len(failure.Keys))
}

// Result summarizes a scheduler run.
type Result[T any] struct {
	Passes      int
	Created     []*WorkItem[T]
	Failed      []*WorkItem[T]
	Stuck       []*WorkItem[T]
	Convergence *ConvergenceFailure
}

// Unresolved returns the number of items that were not created.
func (result Result[T]) Unresolved() int {
	return len(result.Failed) + len(result.Stuck)
}

// Options configures a Scheduler.
type Options struct {
	TaskLimit int
	BeginPass func(pass int)
	Logger    *zap.Logger
}

// Scheduler runs fixed-point iterations over work items.
type Scheduler[T any] struct {
	taskLimit int
	beginPass func(pass int)
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New[T any](options Options) *Scheduler[T] {
	taskLimit := options.TaskLimit
	if taskLimit <= 0 {
		taskLimit = DefaultTaskLimit
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler[T]{taskLimit: taskLimit, beginPass: options.BeginPass, logger: logger}
}

// Run submits items pass by pass until the fixed point is reached.
// It returns a non-nil error only for fatal remote errors or context cancellation;
// convergence failures are reported through Result.
func (scheduler *Scheduler[T]) Run(executionContext context.Context, items []*WorkItem[T], submit SubmitFunc[T]) (Result[T], error) {
	if submit == nil {
		return Result[T]{}, ErrSubmitRequired
	}

	result := Result[T]{}
	pending := make([]*WorkItem[T], 0, len(items))
	for _, item := range items {
		if item.State == StatePending || item.State == StateDeferred {
			item.State = StatePending
			pending = append(pending, item)
		}
	}
	previousDeferred := len(pending)

	for len(pending) > 0 {
		result.Passes++
		if scheduler.beginPass != nil {
			scheduler.beginPass(result.Passes)
		}
		scheduler.logger.Debug(logMessagePassStartedConstant, zap.Int(logFieldPassConstant, result.Passes), zap.Int(logFieldPendingConstant, len(pending)))

		fatalError := scheduler.runPass(executionContext, pending, submit)

		deferred := make([]*WorkItem[T], 0)
		createdThisPass, failedThisPass := 0, 0
		for _, item := range pending {
			switch item.State {
			case StateCreated:
				createdThisPass++
				result.Created = append(result.Created, item)
			case StateFailed:
				failedThisPass++
				result.Failed = append(result.Failed, item)
			case StateDeferred:
				deferred = append(deferred, item)
			default:
				item.State = StatePending
				deferred = append(deferred, item)
			}
		}
		scheduler.logger.Info(
			logMessagePassCompletedConstant,
			zap.Int(logFieldPassConstant, result.Passes),
			zap.Int(logFieldCreatedConstant, createdThisPass),
			zap.Int(logFieldDeferredConstant, len(deferred)),
			zap.Int(logFieldFailedConstant, failedThisPass),
		)

		if fatalError != nil {
			result.Stuck = deferred
			return result, fatalError
		}
		if contextError := executionContext.Err(); contextError != nil {
			result.Stuck = deferred
			return result, contextError
		}
		if len(deferred) == 0 {
			break
		}
		if len(deferred) == previousDeferred {
			keys := make([]string, 0, len(deferred))
			for _, item := range deferred {
				keys = append(keys, item.Key)
			}
			result.Stuck = deferred
			result.Convergence = &ConvergenceFailure{Pass: result.Passes, Keys: keys}
			scheduler.logger.Warn(logMessageConvergenceFailure, zap.Int(logFieldPassConstant, result.Passes), zap.Strings(logFieldKeysConstant, keys))
			break
		}

		previousDeferred = len(deferred)
		for _, item := range deferred {
			item.State = StatePending
		}
		pending = deferred
	}
	return result, nil
}

func (scheduler *Scheduler[T]) runPass(executionContext context.Context, pending []*WorkItem[T], submit SubmitFunc[T]) error {
	dispatchContext, cancelDispatch := context.WithCancel(executionContext)
	defer cancelDispatch()

	var fatalOnce sync.Once
	var fatalError error

	group := new(errgroup.Group)
	group.SetLimit(scheduler.taskLimit)
	for _, item := range pending {
		if dispatchContext.Err() != nil {
			break
		}
		workItem := item
		group.Go(func() error {
			if dispatchContext.Err() != nil {
				return nil
			}
			workItem.State = StateSubmitted
			outcome := submit(executionContext, workItem)
			switch outcome.kind {
			case outcomeCreated:
				workItem.State = StateCreated
				workItem.Handle = outcome.handle
			case outcomeDeferred:
				workItem.State = StateDeferred
				workItem.Reason = outcome.err
				scheduler.logger.Debug(logMessageItemDeferredConstant, zap.String(logFieldSourceIDConstant, workItem.Key), zap.Error(outcome.err))
			default:
				workItem.Reason = outcome.err
				if gateway.IsFatal(outcome.err) {
					workItem.State = StateDeferred
					fatalOnce.Do(func() {
						fatalError = outcome.err
						scheduler.logger.Error(logMessageFatalConstant, zap.String(logFieldSourceIDConstant, workItem.Key), zap.Error(outcome.err))
						cancelDispatch()
					})
					return nil
				}
				workItem.State = StateFailed
				scheduler.logger.Warn(logMessageItemFailedConstant, zap.String(logFieldSourceIDConstant, workItem.Key), zap.Error(outcome.err))
			}
			return nil
		})
	}
	_ = group.Wait()
	return fatalError
}
