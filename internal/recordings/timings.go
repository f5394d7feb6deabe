package recordings

import (
	"fmt"
	"strings"
	"time"
)

// Timings collects named phase durations for a single request and renders
// them as a Server-Timing header value. Phases keep first-recorded order;
// recording the same name again overwrites the duration but not the position.
// Not safe for concurrent use; each request owns its own collector.
type Timings struct {
	order     []string
	durations map[string]time.Duration
}

func NewTimings() *Timings {
	return &Timings{durations: make(map[string]time.Duration)}
}

// Record stores a finished phase duration.
func (t *Timings) Record(name string, d time.Duration) {
	if _, seen := t.durations[name]; !seen {
		t.order = append(t.order, name)
	}
	t.durations[name] = d
}

// Measure starts timing a phase and returns a func that stops it, for use
// with defer or at the end of an inline block.
func (t *Timings) Measure(name string) func() {
	start := time.Now()
	return func() {
		t.Record(name, time.Since(start))
	}
}

// Merge records externally measured timings, rescaled from seconds and
// relabeled under the given prefix. Slashes in keys become underscores and a
// leading "./" is dropped, so "./recordings/execute" with prefix "ch_"
// becomes "ch_recordings_execute".
func (t *Timings) Merge(prefix string, key string, seconds float64) {
	key = strings.TrimPrefix(key, "./")
	key = strings.ReplaceAll(key, "/", "_")
	t.Record(prefix+key, time.Duration(seconds*float64(time.Second)))
}

// ServerTiming renders the collected phases as a Server-Timing header value,
// millisecond durations with two decimal places, in recorded order.
func (t *Timings) ServerTiming() string {
	parts := make([]string, 0, len(t.order))
	for _, name := range t.order {
		ms := float64(t.durations[name]) / float64(time.Millisecond)
		parts = append(parts, fmt.Sprintf("%s;dur=%.2f", name, ms))
	}
	return strings.Join(parts, ", ")
}
