package latency

import (
	"sync"
	"time"
)

// DefaultWindowSize is how many round-trip samples a profile retains.
const DefaultWindowSize = 20

// Stats are the derived statistics over a profile's retained samples.
type Stats struct {
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
	Jitter  time.Duration
	Count   int
}

// profile is a bounded ring of the most recent round-trip samples for one
// participant.
type profile struct {
	samples []time.Duration
	next    int
	count   int
}

func (p *profile) record(sample time.Duration) {
	p.samples[p.next] = sample
	p.next = (p.next + 1) % len(p.samples)
	if p.count < len(p.samples) {
		p.count++
	}
}

func (p *profile) stats() Stats {
	if p.count == 0 {
		return Stats{}
	}

	var sum time.Duration
	min, max := p.samples[0], p.samples[0]
	for i := 0; i < p.count; i++ {
		s := p.samples[i]
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	avg := sum / time.Duration(p.count)

	// Jitter is the mean absolute deviation from the average.
	var dev time.Duration
	for i := 0; i < p.count; i++ {
		d := p.samples[i] - avg
		if d < 0 {
			d = -d
		}
		dev += d
	}

	return Stats{
		Average: avg,
		Min:     min,
		Max:     max,
		Jitter:  dev / time.Duration(p.count),
		Count:   p.count,
	}
}

// Tracker keeps per-participant latency profiles. Profiles live for the
// duration of a connection's participation and are dropped on disconnect.
type Tracker struct {
	mu       sync.RWMutex
	window   int
	profiles map[string]*profile
}

func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Tracker{
		window:   windowSize,
		profiles: make(map[string]*profile),
	}
}

// Record appends a round-trip sample for a participant, creating the profile
// on first use.
func (t *Tracker) Record(playerID string, sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.profiles[playerID]
	if !ok {
		p = &profile{samples: make([]time.Duration, t.window)}
		t.profiles[playerID] = p
	}
	p.record(sample)
}

// Stats returns the derived statistics for a participant. The second return
// is false when no samples have been recorded.
func (t *Tracker) Stats(playerID string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.profiles[playerID]
	if !ok || p.count == 0 {
		return Stats{}, false
	}
	return p.stats(), true
}

// Average returns the participant's average round-trip time, or zero when
// unknown. Used for deadline compensation, never to penalize.
func (t *Tracker) Average(playerID string) time.Duration {
	s, ok := t.Stats(playerID)
	if !ok {
		return 0
	}
	return s.Average
}

// Forget drops a participant's profile.
func (t *Tracker) Forget(playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.profiles, playerID)
}
