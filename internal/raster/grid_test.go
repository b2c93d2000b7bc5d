package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFillsNoData(t *testing.T) {
	t.Parallel()

	g := New(2, 3, -999)
	require.NoError(t, g.Check())
	assert.Equal(t, 6, g.Len())
	for _, v := range g.Data {
		assert.Equal(t, -999.0, v)
	}
	g.Set(1, 2, 5)
	assert.Equal(t, 5.0, g.At(1, 2))
	assert.Equal(t, 5.0, g.Data[5])
}

func TestCheck(t *testing.T) {
	t.Parallel()

	g := &Grid{Rows: 2, Cols: 2, Data: []float64{1, 2, 3}}
	assert.Error(t, g.Check())
}

func TestBounds(t *testing.T) {
	t.Parallel()

	g := New(10, 20, 0)
	g.Transform = NorthUp(1000, 5000, 30)
	b := g.Bounds()
	assert.Equal(t, 1000.0, b.Min.X)
	assert.Equal(t, 1600.0, b.Max.X)
	assert.Equal(t, 4700.0, b.Min.Y)
	assert.Equal(t, 5000.0, b.Max.Y)

	plain := New(3, 4, 0)
	pb := plain.Bounds()
	assert.Equal(t, 12.0, pb.Area())
}

func TestIsNoData(t *testing.T) {
	t.Parallel()

	g := New(1, 1, -999)
	assert.True(t, g.IsNoData(-999))
	assert.False(t, g.IsNoData(0))
}

func TestAligned(t *testing.T) {
	t.Parallel()

	base := func() *Grid {
		g := New(4, 4, 0)
		g.Transform = NorthUp(100, 200, 30)
		return g
	}

	testCases := []struct {
		name   string
		mutate func(g *Grid) *Grid
		want   error
	}{
		{"identical", func(g *Grid) *Grid { return g }, nil},
		{"sub-pixel shift", func(g *Grid) *Grid { g.Transform[0] += 10; return g }, nil},
		{"shape", func(g *Grid) *Grid { return New(3, 4, 0) }, ErrShape},
		{"origin", func(g *Grid) *Grid { g.Transform[3] += 30; return g }, ErrMisaligned},
		{"pixel size", func(g *Grid) *Grid { g.Transform = NorthUp(100, 200, 10); return g }, ErrMisaligned},
		{"no transform", func(g *Grid) *Grid { g.Transform = Transform{}; return g }, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Aligned(base(), tc.mutate(base()))
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCloneAndLike(t *testing.T) {
	t.Parallel()

	g := New(2, 2, -1)
	g.Transform = NorthUp(0, 0, 1)
	g.CRS = "EPSG:32622"
	c := g.Clone()
	c.Set(0, 0, 7)
	assert.Equal(t, -1.0, g.At(0, 0))

	l := g.Like(0)
	assert.Equal(t, g.Transform, l.Transform)
	assert.Equal(t, g.CRS, l.CRS)
	assert.Equal(t, 0.0, l.NoData)
	assert.Equal(t, 0.0, l.At(1, 1))
}
