// Package timer provides the millisecond tick service that drives all
// protocol timeouts: association, route aging, fragment reaping, permit
// joining, poll rate and link status.
package timer

import (
	"sync"
	"time"
)

// Reason identifies why a timer was scheduled. Expired timers carry their
// reason back to the owner so a single update loop can dispatch them.
type Reason uint8

const (
	ReasonGeneric Reason = iota
	ReasonAssociationTimeout
	ReasonRouteDiscoveryTimeout
	ReasonRouteAging
	ReasonFragmentTimeout
	ReasonPermitJoiningTimeout
	ReasonPollRate
	ReasonLinkStatusUpdate
	ReasonNetworkFormationTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonAssociationTimeout:
		return "association_timeout"
	case ReasonRouteDiscoveryTimeout:
		return "route_discovery_timeout"
	case ReasonRouteAging:
		return "route_aging"
	case ReasonFragmentTimeout:
		return "fragment_timeout"
	case ReasonPermitJoiningTimeout:
		return "permit_joining_timeout"
	case ReasonPollRate:
		return "poll_rate"
	case ReasonLinkStatusUpdate:
		return "link_status_update"
	case ReasonNetworkFormationTimeout:
		return "network_formation_timeout"
	default:
		return "generic"
	}
}

// ID identifies a scheduled timer for cancellation.
type ID uint32

// Expired is one entry of an Update batch.
type Expired struct {
	ID     ID
	Reason Reason
}

type entry struct {
	id       ID
	reason   Reason
	expiry   uint32 // ms tick at which the timer fires; wraps
	interval uint32 // re-arm interval for periodic timers, 0 for one-shot
}

// Service is a monotonic millisecond clock with one-shot and periodic
// timers. The clock only advances when Update is called; callers drive it
// from their own loop with wall time.
type Service struct {
	mu     sync.Mutex
	nowMS  uint32
	last   time.Time
	seeded bool
	nextID ID
	active []entry
}

// New creates an empty timer service. The clock starts at zero and is
// seeded by the first Update call.
func New() *Service {
	return &Service{}
}

// Now returns the current millisecond tick.
func (s *Service) Now() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowMS
}

// ScheduleOneShot arms a timer that fires once after d.
func (s *Service) ScheduleOneShot(d time.Duration, reason Reason) ID {
	return s.schedule(d, reason, false)
}

// SchedulePeriodic arms a timer that fires every d, re-arming itself on
// each expiry.
func (s *Service) SchedulePeriodic(d time.Duration, reason Reason) ID {
	return s.schedule(d, reason, true)
}

func (s *Service) schedule(d time.Duration, reason Reason, periodic bool) ID {
	ms := uint32(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := entry{
		id:     s.nextID,
		reason: reason,
		expiry: s.nowMS + ms, // wrapping add
	}
	if periodic {
		e.interval = ms
	}
	s.active = append(s.active, e)
	return e.id
}

// Cancel removes a timer by id. Returns false if the id is not active.
func (s *Service) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.active {
		if s.active[i].id == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return true
		}
	}
	return false
}

// Update advances the clock to now and returns every timer that expired
// since the previous call. Periodic timers re-arm by wrapping-add of
// their interval; one-shots are removed.
func (s *Service) Update(now time.Time) []Expired {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		s.last = now
		s.seeded = true
		return nil
	}
	elapsed := now.Sub(s.last)
	if elapsed < time.Millisecond {
		// Below the tick resolution. Leave s.last alone so the
		// remainder accumulates; moving it here would stall the clock
		// under fast polling.
		return nil
	}
	ticks := uint32(elapsed / time.Millisecond)
	s.last = s.last.Add(time.Duration(ticks) * time.Millisecond)
	s.nowMS += ticks

	var expired []Expired
	kept := s.active[:0]
	for _, e := range s.active {
		// Signed wrap-around comparison: fired iff expiry is not in
		// the future of nowMS.
		if int32(s.nowMS-e.expiry) >= 0 {
			expired = append(expired, Expired{ID: e.id, Reason: e.reason})
			if e.interval != 0 {
				e.expiry += e.interval
				kept = append(kept, e)
			}
			continue
		}
		kept = append(kept, e)
	}
	s.active = kept
	return expired
}

// ActiveCount reports how many timers are currently armed.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
