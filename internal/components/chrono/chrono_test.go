package chrono

import (
	"testing"
	"time"

	"gymbot-backend/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func TestFixedTime(t *testing.T) {
	start := time.Date(2025, 9, 14, 6, 0, 0, 0, time.UTC)
	fixed := NewFixedTime(start)
	require.Equal(t, start, fixed.Now())
	// every reading moves the clock forward by Step
	require.Equal(t, int64(1757829600001), EpochMillis(fixed.Now()))
}

func TestStandardCron(t *testing.T) {
	cron := NewStandardCron(telemetry.NewRecorder())
	defer cron.Stop()

	require.Error(t, cron.Cron("every day", func() {}))

	fired := make(chan struct{}, 1)
	err := cron.Cron("@every 1s", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("cron job never ran")
	}
}
