// Package clock provides the injectable time and ID sources used across
// GUARD (component C1). Production code uses RealClock; tests inject a
// FakeClock so lease math and fencing-token ordering are deterministic.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock reads so lease expiry and backoff
// calculations can be tested without real sleeps.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints owner identifiers for lock acquisitions and
// short IDs for GitOps branch names.
type IDGenerator interface {
	NewID() string
	ShortID() string
}

// RealClock delegates to time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// UUIDGenerator mints RFC 4122 UUIDs via google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// ShortID returns the first 8 hex characters of a fresh UUID, suitable
// for branch names like upgrade/<target>-<batch>-<shortid>.
func (UUIDGenerator) ShortID() string {
	id := uuid.New()
	return id.String()[:8]
}

// FakeClock is a mutable, mutex-guarded clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock fixed at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// SequentialIDGenerator returns deterministic, incrementing IDs for
// tests that need reproducible owner/branch identifiers.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequentialIDGenerator returns a generator driven by one shared
// counter: ShortID yields "<prefix>-1", "<prefix>-2", ..., and NewID
// yields the name-based (SHA-1) UUID of that same "<prefix>-N" label.
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	return &SequentialIDGenerator{prefix: prefix}
}

func (s *SequentialIDGenerator) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.label())).String()
}

func (s *SequentialIDGenerator) ShortID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.label()
}

func (s *SequentialIDGenerator) label() string {
	return s.prefix + "-" + itoa(s.next)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
