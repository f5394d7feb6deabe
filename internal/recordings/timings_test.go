package recordings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimings(t *testing.T) {
	t.Run("renders milliseconds with two decimals in recorded order", func(t *testing.T) {
		timings := NewTimings()
		timings.Record("first", 1500*time.Microsecond)
		timings.Record("second", 2*time.Second)

		assert.Equal(t, "first;dur=1.50, second;dur=2000.00", timings.ServerTiming())
	})

	t.Run("re-recording a phase keeps its position", func(t *testing.T) {
		timings := NewTimings()
		timings.Record("a", time.Millisecond)
		timings.Record("b", time.Millisecond)
		timings.Record("a", 3*time.Millisecond)

		assert.Equal(t, "a;dur=3.00, b;dur=1.00", timings.ServerTiming())
	})

	t.Run("measure records elapsed time on stop", func(t *testing.T) {
		timings := NewTimings()
		stop := timings.Measure("phase")
		stop()

		header := timings.ServerTiming()
		assert.Contains(t, header, "phase;dur=")
	})

	t.Run("merge rescales seconds and relabels keys", func(t *testing.T) {
		timings := NewTimings()
		timings.Merge("ch_", "./recordings/execute", 0.5)

		assert.Equal(t, "ch_recordings_execute;dur=500.00", timings.ServerTiming())
	})

	t.Run("empty collector renders empty", func(t *testing.T) {
		assert.Equal(t, "", NewTimings().ServerTiming())
	})
}
