package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("skipping %s: %s", "284589.5_584489.0_p149_n0.tif", "no overlapping data")
	assert.Equal(t, []string{"skipping 284589.5_584489.0_p149_n0.tif: no overlapping data"}, lines)

	// nil installs a no-op; the previous capture must stop receiving lines
	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, lines, 1)
}

func TestLogf_Default(t *testing.T) {
	assert.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}
