package discovery

import "sync"

// bootstrapPhase is an instance's bootstrap state: Needed, InProgress, Done.
type bootstrapPhase int

const (
	phaseNeeded bootstrapPhase = iota
	phaseInProgress
	phaseDone
)

func (p bootstrapPhase) String() string {
	switch p {
	case phaseNeeded:
		return "Needed"
	case phaseInProgress:
		return "InProgress"
	case phaseDone:
		return "Done"
	default:
		return "unknown"
	}
}

// bootstrapState is the shared state cell bootstrap coordination needs: a
// condition-variable-guarded cell rather than a lock-free CAS loop,
// because acquire's wait step needs to block until InProgress clears and
// then re-examine the phase — a primitive a bare compare-and-set doesn't
// give directly.
type bootstrapState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	phase bootstrapPhase
}

func newBootstrapState() *bootstrapState {
	s := &bootstrapState{phase: phaseNeeded}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire implements the two-step atomic acquisition: a completed run
// requests a fresh one, then any in-progress run is waited out.
// owner is true iff the caller must run the bootstrap protocol; when
// owner is false, alreadyDone is always true (some other run is already
// Done, nothing further to do).
func (s *bootstrapState) acquire() (owner, alreadyDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step a: a completed run requests a fresh one.
	if s.phase == phaseDone {
		s.phase = phaseNeeded
	}

	// Step b: wait out any run already in progress, then re-examine.
	for s.phase == phaseInProgress {
		s.cond.Wait()
	}
	if s.phase == phaseDone {
		return false, true
	}
	s.phase = phaseInProgress
	return true, false
}

// markDone transitions InProgress to Done and wakes any waiters.
func (s *bootstrapState) markDone() {
	s.mu.Lock()
	s.phase = phaseDone
	s.mu.Unlock()
	s.cond.Broadcast()
}

// reset is the failure handler's rollback: InProgress (or any phase) back
// to Needed, run on any unexpected abort of the bootstrap protocol.
func (s *bootstrapState) reset() {
	s.mu.Lock()
	s.phase = phaseNeeded
	s.mu.Unlock()
	s.cond.Broadcast()
}

// whenDone runs fn while still holding the state cell's lock if the
// phase is Done, so a concurrent transition back to Needed (a requested
// re-bootstrap) cannot interleave between the phase check and fn's table
// mutation. Reports whether fn ran. fn may take the routing-table lock;
// nothing takes the two locks in the opposite order.
func (s *bootstrapState) whenDone(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseDone {
		return false
	}
	fn()
	return true
}

func (s *bootstrapState) currentPhase() bootstrapPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
