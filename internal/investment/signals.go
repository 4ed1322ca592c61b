package investment

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// SignalSource simulates market signals from an injected random source.
// A fixed seed makes every sequence of Gather calls reproducible.
type SignalSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSignalSource wraps src.
func NewSignalSource(src rand.Source) *SignalSource {
	return &SignalSource{rng: rand.New(src)}
}

// SeededSignals returns a SignalSource over a PCG seeded with seed. A zero
// seed uses the current time.
func SeededSignals(seed uint64) *SignalSource {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return NewSignalSource(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Gather draws news count, sentiment and confidence for one symbol.
func (s *SignalSource) Gather() Signals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Signals{
		NewsCount:       5 + s.rng.IntN(46),
		SentimentScore:  round2(s.rng.Float64()*2 - 1),
		ConfidenceScore: round2(0.6 + s.rng.Float64()*0.35),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
