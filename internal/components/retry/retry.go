// Package retry wraps transient-failure-prone calls with bounded exponential backoff.
//
// Only server side failures (5xx) and timeouts are retried, everything else (most notably
// 4xx responses) is terminal and returned after the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gymbot-backend/internal/components/assert"
	"gymbot-backend/internal/components/telemetry"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	report_retrier_attempt   = "retrier.attempt"
	report_retrier_exhausted = "retrier.exhausted"
)

// StatusCoder is implemented by errors (and results) that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// Transient is implemented by errors that know whether they are worth retrying.
type Transient interface {
	Transient() bool
}

type Class int

const (
	ClassTerminal Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "terminal"
}

// Classify decides whether err is worth another attempt.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var transient Transient
	if errors.As(err, &transient) {
		if transient.Transient() {
			return ClassTransient
		}
		return ClassTerminal
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		if coder.StatusCode() >= 500 {
			return ClassTransient
		}
		return ClassTerminal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassTerminal
}

type Policy struct {
	// MaxAttempts includes the first attempt, values < 1 are treated as 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each individual attempt, 0 leaves it to the caller's context.
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	// the attempt count is the only bound
	exp.MaxElapsedTime = 0
	return backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(p.attempts()-1)),
		ctx,
	)
}

// Attempt is the recorded outcome of a single try.
type Attempt struct {
	Number     int
	StatusCode int
	Elapsed    time.Duration
	Err        error
}

// Report is every attempt made for one wrapped call, in order.
type Report struct {
	Name     string
	Attempts []Attempt
}

func (r Report) Succeeded() bool {
	return len(r.Attempts) > 0 && r.Attempts[len(r.Attempts)-1].Err == nil
}

// ExhaustedError is returned once every allowed attempt failed transiently.
type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %s", e.Name, e.Attempts, e.Last.Error())
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retrier applies a Policy and records each attempt to telemetry and an otel counter.
type Retrier struct {
	policy   Policy
	tel      telemetry.API
	attempts metric.Int64Counter
}

func NewRetrier(policy Policy, tel telemetry.API) Retrier {
	assert.NotNil(tel)

	counter, err := otel.Meter("gymbot/retry").Int64Counter(
		"retry.attempts",
		metric.WithDescription("attempts made by wrapped calls, by outcome"),
	)
	if err != nil {
		tel.ReportWarning(report_retrier_attempt, fmt.Errorf("create counter: %w", err))
	}

	return Retrier{
		policy:   policy,
		tel:      telemetry.NewScopedAPI("retry", tel),
		attempts: counter,
	}
}

func (r Retrier) Policy() Policy {
	return r.policy
}

func statusOf(result any, err error) int {
	var coder StatusCoder
	if err != nil && errors.As(err, &coder) {
		return coder.StatusCode()
	}
	if coder, ok := result.(StatusCoder); ok && err == nil {
		return coder.StatusCode()
	}
	return 0
}

func (r Retrier) record(ctx context.Context, name string, attempt Attempt) {
	outcome := "ok"
	if attempt.Err != nil {
		outcome = Classify(attempt.Err).String()
		r.tel.ReportWarning(
			report_retrier_attempt,
			name,
			attempt.Number,
			attempt.StatusCode,
			attempt.Elapsed,
			attempt.Err,
		)
	} else {
		r.tel.ReportDebug(report_retrier_attempt, name, attempt.Number, attempt.StatusCode, attempt.Elapsed)
	}

	if r.attempts != nil {
		r.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("call", name),
			attribute.String("outcome", outcome),
		))
	}
}

// Do runs op until it succeeds, fails terminally or the policy runs out of attempts.
// Terminal errors are returned as-is, exhaustion is reported as *ExhaustedError wrapping
// the last error.
func Do[T any](ctx context.Context, r Retrier, name string, op func(ctx context.Context) (T, error)) (T, Report, error) {
	report := Report{Name: name}

	operation := func() (T, error) {
		attemptCtx := ctx
		cancel := func() {}
		if r.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		defer cancel()

		start := time.Now()
		result, err := op(attemptCtx)
		attempt := Attempt{
			Number:     len(report.Attempts) + 1,
			StatusCode: statusOf(result, err),
			Elapsed:    time.Since(start),
			Err:        err,
		}
		report.Attempts = append(report.Attempts, attempt)
		r.record(ctx, name, attempt)

		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || Classify(err) == ClassTerminal {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := backoff.RetryWithData(operation, r.policy.backoff(ctx))
	if err == nil {
		return result, report, nil
	}

	last := report.Attempts[len(report.Attempts)-1]
	if last.Err != nil && Classify(last.Err) == ClassTransient && ctx.Err() == nil {
		r.tel.ReportWarning(report_retrier_exhausted, name, len(report.Attempts), last.Err)
		return result, report, &ExhaustedError{
			Name:     name,
			Attempts: len(report.Attempts),
			Last:     last.Err,
		}
	}
	return result, report, err
}
