package credit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock supplies the current time. Expiry checks and audit timestamps go
// through it so tests can pin "now".
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and one-off tools.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// NewID returns a ULID string. ULIDs generated by one process sort in
// creation order, which makes "ascending lot identity" a stable FIFO
// tie-break for lots sharing a work date.
func NewID() string {
	return ulid.Make().String()
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
