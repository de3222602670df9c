package recorder

import (
	"math"
	"time"
)

type peakReader interface {
	Peak() float64
}

// meter samples the post-mix peak at a fixed cadence while a session is
// recording.
type meter struct {
	stop chan struct{}
	done chan struct{}
}

func startMeter(src peakReader, interval time.Duration, emit func(float64)) *meter {
	m := &meter{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				emit(clampUnit(src.Peak()))
			}
		}
	}()
	return m
}

// Stop halts sampling and waits for the sampler to exit. It may be called
// more than once.
func (m *meter) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
