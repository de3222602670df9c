package encoder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Packet is one unit of encoder output.
type Packet struct {
	Data        []byte
	PtsUs       int64
	EndOfStream bool
}

// FrameEncoder is a synchronous encoder driven by SoftCodec. Packets are
// delivered through the emit function given to Open, possibly from another
// goroutine. Flush returns once every pending packet has been emitted.
type FrameEncoder interface {
	Open(in Format, emit func(Packet)) error
	Encode(pcm []byte, ptsUs int64) error
	Flush() error
	OutputFormat() Format
	Close() error
}

type codecState int

const (
	codecUninitialized codecState = iota
	codecConfigured
	codecRunning
	codecEndOfStream
	codecStopped
	codecReleased
)

const (
	defaultInputSlots = 4
	outputQueueDepth  = 512
)

// SoftCodec implements Codec on top of a FrameEncoder. It reports
// InfoOutputFormatChanged once, before its first output buffer.
type SoftCodec struct {
	enc   FrameEncoder
	slots int

	mu     sync.Mutex
	state  codecState
	in     Format
	inputs [][]byte
	free   chan int

	out     chan Packet
	closed  chan struct{}
	pending *Packet

	formatSent bool
	outputs    map[int][]byte
	nextOut    int
}

func NewSoftCodec(enc FrameEncoder, slots int) *SoftCodec {
	if slots <= 0 {
		slots = defaultInputSlots
	}
	return &SoftCodec{
		enc:     enc,
		slots:   slots,
		out:     make(chan Packet, outputQueueDepth),
		closed:  make(chan struct{}),
		outputs: make(map[int][]byte),
	}
}

func (c *SoftCodec) Configure(f Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != codecUninitialized {
		return fmt.Errorf("codec already configured")
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.MaxInputSize <= 0 {
		return fmt.Errorf("invalid input format: %+v", f)
	}

	c.in = f
	c.inputs = make([][]byte, c.slots)
	c.free = make(chan int, c.slots)
	for i := range c.inputs {
		c.inputs[i] = make([]byte, f.MaxInputSize)
		c.free <- i
	}
	c.state = codecConfigured
	return nil
}

func (c *SoftCodec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != codecConfigured {
		return fmt.Errorf("codec must be configured before start")
	}
	if err := c.enc.Open(c.in, c.emit); err != nil {
		return err
	}
	c.state = codecRunning
	return nil
}

func (c *SoftCodec) emit(p Packet) {
	select {
	case c.out <- p:
	case <-c.closed:
	}
}

func (c *SoftCodec) DequeueInputBuffer(timeout time.Duration) int {
	c.mu.Lock()
	running := c.state == codecRunning
	c.mu.Unlock()
	if !running {
		return InfoTryAgainLater
	}

	select {
	case i := <-c.free:
		return i
	default:
	}
	if timeout <= 0 {
		return InfoTryAgainLater
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case i := <-c.free:
		return i
	case <-timer.C:
		return InfoTryAgainLater
	}
}

func (c *SoftCodec) InputBuffer(index int) []byte {
	return c.inputs[index]
}

func (c *SoftCodec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags BufferFlag) error {
	c.mu.Lock()
	if c.state != codecRunning {
		c.mu.Unlock()
		return fmt.Errorf("codec not accepting input")
	}
	if flags&FlagEndOfStream != 0 {
		c.state = codecEndOfStream
	}
	c.mu.Unlock()

	defer func() { c.free <- index }()

	if size > 0 {
		if err := c.enc.Encode(c.inputs[index][offset:offset+size], ptsUs); err != nil {
			return fmt.Errorf("encode failed: %w", err)
		}
	}

	if flags&FlagEndOfStream != 0 {
		go func() {
			if err := c.enc.Flush(); err != nil {
				slog.Warn("Encoder flush failed", "error", err)
			}
			c.emit(Packet{PtsUs: ptsUs, EndOfStream: true})
		}()
	}
	return nil
}

func (c *SoftCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int {
	var p Packet
	if c.pending != nil {
		p = *c.pending
		c.pending = nil
	} else {
		var ok bool
		if p, ok = c.receive(timeout); !ok {
			return InfoTryAgainLater
		}
	}

	if !c.formatSent {
		c.formatSent = true
		c.pending = &p
		return InfoOutputFormatChanged
	}

	index := c.nextOut
	c.nextOut++
	c.outputs[index] = p.Data

	*info = BufferInfo{Size: len(p.Data), PresentationTimeUs: p.PtsUs}
	if p.EndOfStream {
		info.Flags |= FlagEndOfStream
	}
	return index
}

func (c *SoftCodec) receive(timeout time.Duration) (Packet, bool) {
	select {
	case p := <-c.out:
		return p, true
	default:
	}
	if timeout <= 0 {
		return Packet{}, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-c.out:
		return p, true
	case <-timer.C:
		return Packet{}, false
	}
}

func (c *SoftCodec) OutputBuffer(index int) []byte {
	return c.outputs[index]
}

func (c *SoftCodec) ReleaseOutputBuffer(index int) error {
	if _, ok := c.outputs[index]; !ok {
		return fmt.Errorf("output buffer %d not dequeued", index)
	}
	delete(c.outputs, index)
	return nil
}

func (c *SoftCodec) OutputFormat() Format {
	return c.enc.OutputFormat()
}

func (c *SoftCodec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *SoftCodec) stopLocked() error {
	switch c.state {
	case codecStopped, codecReleased:
		return nil
	case codecUninitialized, codecConfigured:
		c.state = codecStopped
		close(c.closed)
		return nil
	}
	c.state = codecStopped
	close(c.closed)
	return c.enc.Close()
}

func (c *SoftCodec) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == codecReleased {
		return nil
	}
	err := c.stopLocked()
	c.state = codecReleased
	return err
}
