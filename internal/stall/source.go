package stall

import (
	"errors"
	"math"
	"sync"
)

// ToneSource synthesizes a pure sine tone at a settable frequency. It stands
// in for the microphone in tests and simulation runs; dropping the frequency
// simulates a loaded motor.
type ToneSource struct {
	mu         sync.Mutex
	sampleRate int
	freqHz     float64
	phase      float64
}

// NewToneSource creates a source emitting freqHz at the given sample rate.
func NewToneSource(sampleRate int, freqHz float64) *ToneSource {
	return &ToneSource{sampleRate: sampleRate, freqHz: freqHz}
}

// SetFrequency changes the emitted tone.
func (s *ToneSource) SetFrequency(freqHz float64) {
	s.mu.Lock()
	s.freqHz = freqHz
	s.mu.Unlock()
}

// Record returns n samples of the current tone, continuous across calls.
func (s *ToneSource) Record(n int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]float64, n)
	step := 2 * math.Pi * s.freqHz / float64(s.sampleRate)
	for i := range out {
		out[i] = math.Sin(s.phase)
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return out, nil
}

// ErrSourceUnavailable is returned by FaultSource.
var ErrSourceUnavailable = errors.New("stall: signal source unavailable")

// FaultSource fails every Record call. Used to exercise calibration and
// detection error paths.
type FaultSource struct{}

func (FaultSource) Record(int) ([]float64, error) {
	return nil, ErrSourceUnavailable
}

// FlakySource fails the first N calls, then delegates to the wrapped source.
type FlakySource struct {
	Failures int
	Source   SignalSource

	mu    sync.Mutex
	calls int
}

func (s *FlakySource) Record(n int) ([]float64, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.Failures
	s.mu.Unlock()

	if fail {
		return nil, ErrSourceUnavailable
	}
	return s.Source.Record(n)
}
