// Package matcher pairs reference tiles with the simulated tiles that share
// their spatial origin.
package matcher

import (
	"errors"
	"sort"

	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

// Skip reasons recorded in Result.Skipped.
const (
	ReasonUnparseableReference = "unparseable_reference"
	ReasonUnparseableSimulated = "unparseable_simulated"
	ReasonDuplicateReference   = "duplicate_reference"
	ReasonUnmatchedReference   = "unmatched_reference"
	ReasonUnmatchedSimulated   = "unmatched_simulated"
)

// Pair is a reference tile and every simulated tile with the same origin.
// Simulated is never empty and is ordered by condition then path.
type Pair struct {
	Reference tilekey.Name
	Simulated []tilekey.Name
}

// Collision records two reference files that resolve to the same origin.
// Kept is used for matching; Dropped is reported and ignored.
type Collision struct {
	Key     tilekey.Key
	Kept    string
	Dropped string
}

// Result is the outcome of Match.
type Result struct {
	Pairs      []Pair
	Collisions []Collision
	Skipped    *monitoring.Tally
}

// Simulated returns the number of simulated tiles across all pairs.
func (r Result) Simulated() int {
	var n int
	for _, p := range r.Pairs {
		n += len(p.Simulated)
	}
	return n
}

// Match joins reference and simulated paths on their spatial key.
//
// The output order depends only on the set of inputs, not on their order:
// pairs are sorted by key, simulated tiles within a pair by condition and
// path. Names that cannot be parsed are skipped and counted. When two
// reference paths share a key the lexically first is kept and the other is
// reported as a Collision.
func Match(reference, simulated []string) Result {
	res := Result{Skipped: monitoring.NewTally()}

	refs := make(map[tilekey.Key]tilekey.Name)
	for _, path := range sortedCopy(reference) {
		name, err := tilekey.Parse(path)
		if err != nil {
			res.Skipped.Inc(ReasonUnparseableReference)
			monitoring.Logf("matcher: skipping reference %s: %v", path, err)
			continue
		}
		if prev, ok := refs[name.Key]; ok {
			res.Collisions = append(res.Collisions, Collision{Key: name.Key, Kept: prev.Path, Dropped: path})
			res.Skipped.Inc(ReasonDuplicateReference)
			monitoring.Logf("matcher: WARNING reference tiles %s and %s share origin %s; using %s",
				prev.Path, path, name.Key, prev.Path)
			continue
		}
		refs[name.Key] = name
	}

	sims := make(map[tilekey.Key][]tilekey.Name)
	for _, path := range sortedCopy(simulated) {
		name, err := tilekey.ParseSimulated(path)
		if err != nil {
			res.Skipped.Inc(ReasonUnparseableSimulated)
			monitoring.Logf("matcher: skipping simulated %s: %v", path, err)
			continue
		}
		if _, ok := refs[name.Key]; !ok {
			res.Skipped.Inc(ReasonUnmatchedSimulated)
			continue
		}
		sims[name.Key] = append(sims[name.Key], name)
	}

	keys := make([]tilekey.Key, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, k := range keys {
		matched := sims[k]
		if len(matched) == 0 {
			res.Skipped.Inc(ReasonUnmatchedReference)
			continue
		}
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if a.Condition != b.Condition {
				return a.Condition.Less(b.Condition)
			}
			return a.Path < b.Path
		})
		res.Pairs = append(res.Pairs, Pair{Reference: refs[k], Simulated: matched})
	}
	return res
}

// ErrNoPairs is returned by Require when matching produced nothing.
var ErrNoPairs = errors.New("no matching reference/simulated tiles")

// Require returns ErrNoPairs if r holds no pairs.
func (r Result) Require() error {
	if len(r.Pairs) == 0 {
		return ErrNoPairs
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
