package consumer

import (
	"context"
	"time"

	"github.com/hookline/hookline/engine/webhook"
)

// Code classifies the outcome of one Process call.
type Code int

const (
	// CodeSuccess marks the event as processed; duplicates of its content
	// key are skipped from then on.
	CodeSuccess Code = iota
	// CodeSkipped acknowledges the event without marking it processed.
	CodeSkipped
	// CodeRetry requests redelivery after Result.Delay.
	CodeRetry
	// CodeFailed gives the event up; it dead-letters once the delivery
	// budget is spent.
	CodeFailed

	// codeErrored is the host-internal outcome for panics and hook errors.
	codeErrored Code = -1
)

// Result is what a Processor reports back for one event.
type Result struct {
	Code  Code
	Delay time.Duration
	Err   error
}

func Success() Result { return Result{Code: CodeSuccess} }

func Skipped() Result { return Result{Code: CodeSkipped} }

// Retry asks for redelivery after delay. The err is recorded against the
// event's failure history.
func Retry(delay time.Duration, err error) Result {
	return Result{Code: CodeRetry, Delay: delay, Err: err}
}

// Failed reports a permanent processing failure.
func Failed(err error) Result { return Result{Code: CodeFailed, Err: err} }

// Processor is the user-facing handler invoked by the host for each
// delivered envelope. The host guarantees at most one concurrent invocation
// per content key across all worker instances; duplicates never reach
// Process.
type Processor interface {
	// CanProcess filters events before any lock is taken. Returning false
	// acknowledges the message untouched.
	CanProcess(ctx context.Context, env *webhook.Envelope) bool
	// BeforeProcess runs inside the lock, before Process. An error routes
	// through OnError and the message is redelivered.
	BeforeProcess(ctx context.Context, env *webhook.Envelope) error
	// Process handles the event and reports the outcome.
	Process(ctx context.Context, env *webhook.Envelope) Result
	// AfterProcess runs after a successful Process, once the processed
	// marker is persisted. Errors are logged, not retried.
	AfterProcess(ctx context.Context, env *webhook.Envelope) error
	// OnError observes panics and hook failures for the event.
	OnError(ctx context.Context, env *webhook.Envelope, err error)
}

// PassthroughHooks provides no-op lifecycle hooks so processors only
// implement Process. Embed it and override what you need.
type PassthroughHooks struct{}

func (PassthroughHooks) CanProcess(context.Context, *webhook.Envelope) bool { return true }

func (PassthroughHooks) BeforeProcess(context.Context, *webhook.Envelope) error { return nil }

func (PassthroughHooks) AfterProcess(context.Context, *webhook.Envelope) error { return nil }

func (PassthroughHooks) OnError(context.Context, *webhook.Envelope, error) {}
