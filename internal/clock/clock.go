// Package clock provides the monotonic and wall-clock time sources shared by
// every component. All persisted timestamps use WallNow, which is pinned to a
// single configured time.Location so window queries and comparisons never
// cross a zone boundary.
package clock

import "time"

// Clock is the time source every component depends on instead of calling
// time.Now directly, so tests can substitute a fake.
type Clock interface {
	// Now returns the current monotonic time, used for timers and back-off.
	Now() time.Time
	// WallNow returns the current time in the configured display zone, used
	// for anything persisted to storage.
	WallNow() time.Time
	// Sleep returns a channel that receives once d has elapsed. It cannot be
	// cancelled itself; Supervisors select on it together with their stop
	// and shutdown channels to make back-off/poll waits cancellable.
	Sleep(d time.Duration) <-chan time.Time
}

// System is the production Clock, backed by the real wall clock pinned to
// Location.
type System struct {
	Location *time.Location
}

// New returns a System clock displaying timestamps in loc. A nil loc falls
// back to UTC.
func New(loc *time.Location) *System {
	if loc == nil {
		loc = time.UTC
	}
	return &System{Location: loc}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) WallNow() time.Time { return time.Now().In(s.Location) }

func (s *System) Sleep(d time.Duration) <-chan time.Time {
	return time.After(d)
}
