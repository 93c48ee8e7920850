package chrono

import (
	"sync"
	"time"
)

// TimeAPI is the interface that anything depending on the system clock should use.
type TimeAPI interface {
	Now() time.Time
}

// StandardTime is the standard implementation of TimeAPI using the standard library.
type StandardTime struct{}

func NewStandardTime() StandardTime {
	return StandardTime{}
}

func (StandardTime) Now() time.Time {
	return time.Now()
}

// EpochMillis formats t the way the cache-busting `_` query parameter expects it.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FixedTime is a TimeAPI for tests, every call to Now advances the clock by Step so
// consecutive cache-busting timestamps differ.
type FixedTime struct {
	mutex   sync.Mutex
	current time.Time
	Step    time.Duration
}

func NewFixedTime(start time.Time) *FixedTime {
	return &FixedTime{current: start, Step: time.Millisecond}
}

func (f *FixedTime) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	now := f.current
	f.current = f.current.Add(f.Step)
	return now
}
