package recorder

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle state of the controller.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRecording    State = "recording"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Mode selects the capture sources of a session.
type Mode string

const (
	ModeMicOnly    Mode = "micOnly"
	ModeDualStream Mode = "dualStream"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMicOnly, ModeDualStream:
		return Mode(s), nil
	case "":
		return ModeMicOnly, nil
	}
	return "", fmt.Errorf("unknown capture mode %q, want %q or %q", s, ModeMicOnly, ModeDualStream)
}

// Event is one lifecycle transition.
type Event struct {
	State     State   `json:"state"`
	Timestamp string  `json:"timestamp"`
	Reason    *string `json:"reason,omitempty"`
}

type (
	StateSink     func(Event)
	AmplitudeSink func(float64)
)

// Broadcaster fans values out to subscribers. Publish never blocks. A
// lossy broadcaster skips values for a subscriber whose buffer is full; an
// ordered one closes that subscriber's channel instead, so a consumer never
// sees a gap in the sequence, only its end.
type Broadcaster[T any] struct {
	ordered bool

	mu   sync.Mutex
	subs map[chan T]struct{}
}

// NewBroadcaster returns a lossy broadcaster, suited to sampled values.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[chan T]struct{})}
}

// NewOrderedBroadcaster returns a broadcaster that disconnects subscribers
// which fall behind.
func NewOrderedBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{ordered: true, subs: make(map[chan T]struct{})}
}

// Subscribe returns a channel of published values and a function that
// unsubscribes and closes it.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeLocked(ch)
		})
	}
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			if b.ordered {
				slog.Warn("Disconnecting subscriber that fell behind", "buffer", cap(ch))
				b.removeLocked(ch)
			}
		}
	}
}

func (b *Broadcaster[T]) removeLocked(ch chan T) {
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
