package audit

import "sync"

// State owns the cross-worker dedup sets. Every check-then-insert is a single
// call under one mutex.
//
//   - processed: ids with a final outcome (results row, or a terminal error).
//   - inFlight: ids claimed by a worker and not yet released.
//   - errorLogged: ids whose resolution is short-circuited to Skip.
//   - errorRows: ids that already have a row in the error file.
type State struct {
	mu          sync.Mutex
	processed   map[string]struct{}
	inFlight    map[string]struct{}
	errorLogged map[string]struct{}
	errorRows   map[string]struct{}
}

// NewState seeds the sets from ids found in the results and error files.
// Error-file ids seed both the short-circuit set and the error-row set.
func NewState(processed, errored []string) *State {
	s := &State{
		processed:   make(map[string]struct{}, len(processed)),
		inFlight:    make(map[string]struct{}),
		errorLogged: make(map[string]struct{}, len(errored)),
		errorRows:   make(map[string]struct{}, len(errored)),
	}
	for _, id := range processed {
		s.processed[id] = struct{}{}
	}
	for _, id := range errored {
		s.errorLogged[id] = struct{}{}
		s.errorRows[id] = struct{}{}
	}
	return s
}

// Claim reserves id for the caller. It returns false if the id is already
// processed or another worker holds it.
func (s *State) Claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[id]; ok {
		return false
	}
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

// Release drops the claim on id, marking it processed when done is true.
func (s *State) Release(id string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	if done {
		s.processed[id] = struct{}{}
	}
}

func (s *State) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

func (s *State) IsErrorLogged(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.errorLogged[id]
	return ok
}

func (s *State) MarkErrorLogged(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorLogged[id] = struct{}{}
}

// TryRecordErrorRow returns true exactly once per id: the caller that gets true
// writes the error row.
func (s *State) TryRecordErrorRow(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.errorRows[id]; ok {
		return false
	}
	s.errorRows[id] = struct{}{}
	return true
}

// ForgetErrorRow undoes TryRecordErrorRow when the row could not be written.
func (s *State) ForgetErrorRow(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errorRows, id)
}

// Counts returns the sizes of the processed and error-logged sets.
func (s *State) Counts() (processed, errorLogged int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed), len(s.errorLogged)
}
