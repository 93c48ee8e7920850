package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gymbot-backend/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

func (e statusError) StatusCode() int {
	return e.code
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassTransient, Classify(statusError{code: 500}))
	require.Equal(t, ClassTransient, Classify(statusError{code: 503}))
	require.Equal(t, ClassTerminal, Classify(statusError{code: 404}))
	require.Equal(t, ClassTerminal, Classify(statusError{code: 400}))
	require.Equal(t, ClassTransient, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.Equal(t, ClassTransient, Classify(fmt.Errorf("wrapped: %w", statusError{code: 502})))
	require.Equal(t, ClassTerminal, Classify(errors.New("malformed json")))
	require.Equal(t, ClassTerminal, Classify(nil))
}

func TestTransientThenSuccess(t *testing.T) {
	tel := telemetry.NewRecorder()
	retrier := NewRetrier(testPolicy(), tel)

	calls := 0
	result, report, err := Do(context.Background(), retrier, "detail", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", statusError{code: 500}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 2, calls)
	require.Len(t, report.Attempts, 2)
	require.True(t, report.Succeeded())

	require.Equal(t, 1, report.Attempts[0].Number)
	require.Equal(t, 500, report.Attempts[0].StatusCode)
	require.Error(t, report.Attempts[0].Err)
	require.Equal(t, 2, report.Attempts[1].Number)
	require.NoError(t, report.Attempts[1].Err)

	require.Len(t, tel.Reports(telemetry.KindWarning, report_retrier_attempt), 1)
	require.Len(t, tel.Reports(telemetry.KindDebug, report_retrier_attempt), 1)
}

func TestTerminalIsNotRetried(t *testing.T) {
	retrier := NewRetrier(testPolicy(), telemetry.NewRecorder())

	calls := 0
	_, report, err := Do(context.Background(), retrier, "detail", func(ctx context.Context) (int, error) {
		calls++
		return 0, statusError{code: 404}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Len(t, report.Attempts, 1)
	require.False(t, report.Succeeded())

	var status statusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, 404, status.code)

	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
}

func TestExhaustion(t *testing.T) {
	tel := telemetry.NewRecorder()
	retrier := NewRetrier(testPolicy(), tel)

	calls := 0
	_, report, err := Do(context.Background(), retrier, "detail", func(ctx context.Context) (int, error) {
		calls++
		return 0, statusError{code: 503}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, report.Attempts, 3)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)

	var status statusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, 503, status.code)

	require.Len(t, tel.Reports(telemetry.KindWarning, report_retrier_exhausted), 1)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	policy := testPolicy()
	policy.AttemptTimeout = 10 * time.Millisecond
	retrier := NewRetrier(policy, telemetry.NewRecorder())

	calls := 0
	result, report, err := Do(context.Background(), retrier, "slow", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done", nil
	})
	require.NoError(t, err)
	require.Equal(t, "done", result)
	require.Len(t, report.Attempts, 2)
	require.ErrorIs(t, report.Attempts[0].Err, context.DeadlineExceeded)
}

func TestCanceledContextStops(t *testing.T) {
	retrier := NewRetrier(testPolicy(), telemetry.NewRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, report, err := Do(ctx, retrier, "canceled", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, statusError{code: 500}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Len(t, report.Attempts, 1)
}

func TestSingleAttemptPolicy(t *testing.T) {
	retrier := NewRetrier(Policy{MaxAttempts: 0}, telemetry.NewRecorder())

	calls := 0
	_, _, err := Do(context.Background(), retrier, "once", func(ctx context.Context) (int, error) {
		calls++
		return 0, statusError{code: 500}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
