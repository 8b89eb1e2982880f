package earlyexit

import (
	"sync"
)

// ExitStats counts how many samples left at each exit and how many of them
// were classified correctly. It is safe for concurrent use.
type ExitStats struct {
	mu      sync.Mutex
	counts  []int
	correct []int
	labeled []int
}

// NewExitStats creates counters for numExits exits.
func NewExitStats(numExits int) *ExitStats {
	return &ExitStats{
		counts:  make([]int, numExits),
		correct: make([]int, numExits),
		labeled: make([]int, numExits),
	}
}

// Record counts one sample that left at exit. A negative label means the
// sample is unlabeled and only counts towards the exit distribution.
func (s *ExitStats) Record(exit, predicted, label int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[exit]++
	if label < 0 {
		return
	}
	s.labeled[exit]++
	if predicted == label {
		s.correct[exit]++
	}
}

// NumExits returns the number of exits tracked.
func (s *ExitStats) NumExits() int { return len(s.counts) }

// Counts returns the number of samples per exit.
func (s *ExitStats) Counts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.counts...)
}

// Total returns the number of recorded samples.
func (s *ExitStats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.counts {
		total += c
	}
	return total
}

// Fraction returns the share of samples that left at exit, or 0 when nothing
// was recorded.
func (s *ExitStats) Fraction(exit int) float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.counts[exit]) / float64(total)
}

// Accuracy returns the accuracy of labeled samples that left at exit. ok is
// false when no labeled sample left there.
func (s *ExitStats) Accuracy(exit int) (acc float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labeled[exit] == 0 {
		return 0, false
	}
	return float64(s.correct[exit]) / float64(s.labeled[exit]), true
}

// OverallAccuracy returns the accuracy across all exits.
func (s *ExitStats) OverallAccuracy() (acc float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	correct, labeled := 0, 0
	for i := range s.labeled {
		correct += s.correct[i]
		labeled += s.labeled[i]
	}
	if labeled == 0 {
		return 0, false
	}
	return float64(correct) / float64(labeled), true
}
