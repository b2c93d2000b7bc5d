package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tally counts recoverable conditions by reason. It is safe for concurrent use
// so tile workers can record skips without coordinating.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTally returns an empty Tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

// Add records n occurrences of reason.
func (t *Tally) Add(reason string, n int) {
	if t == nil || n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[reason] += n
}

// Inc records a single occurrence of reason.
func (t *Tally) Inc(reason string) { t.Add(reason, 1) }

// Count returns the number of occurrences recorded for reason.
func (t *Tally) Count(reason string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[reason]
}

// Total returns the sum over all reasons.
func (t *Tally) Total() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, c := range t.counts {
		n += c
	}
	return n
}

// Counts returns a copy of the non-zero counts.
func (t *Tally) Counts() map[string]int {
	out := make(map[string]int)
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.counts {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// Merge adds every count in other to t.
func (t *Tally) Merge(other *Tally) {
	if t == nil || other == nil {
		return
	}
	other.mu.Lock()
	snapshot := make(map[string]int, len(other.counts))
	for k, v := range other.counts {
		snapshot[k] = v
	}
	other.mu.Unlock()

	for k, v := range snapshot {
		t.Add(k, v)
	}
}

// String renders the counts as "reason=n" pairs in reason order.
func (t *Tally) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	reasons := make([]string, 0, len(t.counts))
	for k := range t.counts {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", r, t.counts[r]))
	}
	return strings.Join(parts, " ")
}
