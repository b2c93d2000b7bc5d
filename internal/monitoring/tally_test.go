package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTally(t *testing.T) {
	t.Parallel()

	tally := NewTally()
	tally.Inc("unparseable_name")
	tally.Inc("unparseable_name")
	tally.Add("no_overlap", 3)
	tally.Add("ignored", 0)

	assert.Equal(t, 2, tally.Count("unparseable_name"))
	assert.Equal(t, 3, tally.Count("no_overlap"))
	assert.Equal(t, 0, tally.Count("ignored"))
	assert.Equal(t, 5, tally.Total())
	assert.Equal(t, "no_overlap=3 unparseable_name=2", tally.String())
}

func TestTally_Merge(t *testing.T) {
	t.Parallel()

	a := NewTally()
	a.Inc("shape_mismatch")
	b := NewTally()
	b.Add("shape_mismatch", 2)
	b.Inc("no_overlap")

	a.Merge(b)
	assert.Equal(t, 3, a.Count("shape_mismatch"))
	assert.Equal(t, 1, a.Count("no_overlap"))
	assert.Equal(t, 1, b.Count("no_overlap"), "merge must not drain the source")
}

func TestTally_Counts(t *testing.T) {
	t.Parallel()

	tally := NewTally()
	tally.Add("no_overlap", 2)
	counts := tally.Counts()
	assert.Equal(t, map[string]int{"no_overlap": 2}, counts)

	counts["no_overlap"] = 99
	assert.Equal(t, 2, tally.Count("no_overlap"), "Counts returns a copy")
	assert.Empty(t, (*Tally)(nil).Counts())
}

func TestTally_Nil(t *testing.T) {
	t.Parallel()

	var tally *Tally
	tally.Inc("x")
	assert.Equal(t, 0, tally.Count("x"))
	assert.Equal(t, 0, tally.Total())
	assert.Equal(t, "", tally.String())
}

func TestTally_Concurrent(t *testing.T) {
	t.Parallel()

	tally := NewTally()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tally.Inc("tile")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, tally.Count("tile"))
}
