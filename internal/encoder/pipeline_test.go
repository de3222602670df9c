package encoder

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/callcapture/internal/observe"
	"go.opentelemetry.io/otel/metric/noop"
)

// scripted output events for fakeCodec
type outEvent struct {
	status int // InfoTryAgainLater, InfoOutputFormatChanged, or 0 for a packet
	data   []byte
	flags  BufferFlag
}

type queuedInput struct {
	data  []byte
	ptsUs int64
	flags BufferFlag
}

// fakeCodec replays a scripted sequence of output events.
type fakeCodec struct {
	script       []outEvent
	eosOnQueue   bool // append an EOS packet when the EOS input is queued
	noInputSlots bool
	configureErr error

	inputs   []queuedInput
	slot     []byte
	outputs  map[int][]byte
	next     int
	stops    int
	releases int
}

func newFakeCodec(script ...outEvent) *fakeCodec {
	return &fakeCodec{script: script, slot: make([]byte, 8), outputs: map[int][]byte{}}
}

func (c *fakeCodec) Configure(Format) error { return c.configureErr }
func (c *fakeCodec) Start() error           { return nil }

func (c *fakeCodec) DequeueInputBuffer(time.Duration) int {
	if c.noInputSlots {
		return InfoTryAgainLater
	}
	return 0
}

func (c *fakeCodec) InputBuffer(int) []byte { return c.slot }

func (c *fakeCodec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags BufferFlag) error {
	c.inputs = append(c.inputs, queuedInput{
		data:  append([]byte(nil), c.slot[offset:offset+size]...),
		ptsUs: ptsUs,
		flags: flags,
	})
	if flags&FlagEndOfStream != 0 && c.eosOnQueue {
		c.script = append(c.script, outEvent{flags: FlagEndOfStream})
	}
	return nil
}

func (c *fakeCodec) DequeueOutputBuffer(info *BufferInfo, _ time.Duration) int {
	if len(c.script) == 0 {
		return InfoTryAgainLater
	}
	ev := c.script[0]
	c.script = c.script[1:]
	if ev.status < 0 {
		return ev.status
	}
	index := c.next
	c.next++
	c.outputs[index] = ev.data
	*info = BufferInfo{Size: len(ev.data), Flags: ev.flags}
	return index
}

func (c *fakeCodec) OutputBuffer(index int) []byte { return c.outputs[index] }

func (c *fakeCodec) ReleaseOutputBuffer(index int) error {
	delete(c.outputs, index)
	return nil
}

func (c *fakeCodec) OutputFormat() Format {
	return Format{MimeType: MimeRaw, SampleRate: 44100, Channels: 1}
}

func (c *fakeCodec) Stop() error {
	c.stops++
	return nil
}

func (c *fakeCodec) Release() error {
	c.releases++
	return nil
}

type fakeMuxer struct {
	tracks   int
	started  bool
	stops    int
	releases int
	samples  [][]byte
}

func (m *fakeMuxer) AddTrack(Format) (int, error) {
	m.tracks++
	return 0, nil
}

func (m *fakeMuxer) Start() error {
	m.started = true
	return nil
}

func (m *fakeMuxer) WriteSampleData(_ int, data []byte, _ BufferInfo) error {
	m.samples = append(m.samples, append([]byte(nil), data...))
	return nil
}

func (m *fakeMuxer) Stop() error {
	if !m.started {
		return errors.New("stop before start")
	}
	m.stops++
	return nil
}

func (m *fakeMuxer) Release() error {
	m.releases++
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestPipeline(t *testing.T, codec Codec, muxer Muxer) *Pipeline {
	t.Helper()
	p := NewPipeline(codec, muxer, Options{
		Format:       Format{MimeType: MimeRaw, SampleRate: 44100, Channels: 1, MaxInputSize: 8},
		InputTimeout: time.Millisecond,
		DrainTimeout: 100 * time.Millisecond,
		Metrics:      testMetrics(t),
	})
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return p
}

func TestPipelineDrain_SecondFormatChangeIsFatal(t *testing.T) {
	codec := newFakeCodec(
		outEvent{status: InfoOutputFormatChanged},
		outEvent{data: []byte("abc")},
		outEvent{status: InfoOutputFormatChanged},
	)
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	err := p.Drain(false)
	if !errors.Is(err, ErrUnexpectedFormatChange) {
		t.Fatalf("Drain error = %v, want ErrUnexpectedFormatChange", err)
	}
	if muxer.tracks != 1 {
		t.Errorf("AddTrack called %d times, want 1", muxer.tracks)
	}
	if len(muxer.samples) != 1 || string(muxer.samples[0]) != "abc" {
		t.Errorf("samples = %q, want [abc]", muxer.samples)
	}
}

func TestPipelineDrain_NonBlockingStopsOnTryAgain(t *testing.T) {
	codec := newFakeCodec(
		outEvent{status: InfoOutputFormatChanged},
		outEvent{data: []byte("a")},
		outEvent{status: InfoTryAgainLater},
		outEvent{data: []byte("b")},
	)
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	if err := p.Drain(false); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(muxer.samples) != 1 {
		t.Errorf("wrote %d samples before TRY_AGAIN, want 1", len(muxer.samples))
	}
	if p.State() != StateMuxerStarted {
		t.Errorf("state = %s, want %s", p.State(), StateMuxerStarted)
	}
	if len(codec.inputs) != 0 {
		t.Errorf("non-final drain queued %d inputs, want 0", len(codec.inputs))
	}
}

func TestPipelineDrain_PacketsBeforeFormatChangeAreDiscarded(t *testing.T) {
	codec := newFakeCodec(
		outEvent{data: []byte("early")},
		outEvent{status: InfoOutputFormatChanged},
		outEvent{data: []byte("late")},
	)
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	if err := p.Drain(false); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(muxer.samples) != 1 || string(muxer.samples[0]) != "late" {
		t.Errorf("samples = %q, want [late]", muxer.samples)
	}
	if len(codec.outputs) != 0 {
		t.Errorf("%d output buffers not released", len(codec.outputs))
	}
}

func TestPipelineDrain_EndOfStreamWithNoPendingOutput(t *testing.T) {
	codec := newFakeCodec(outEvent{status: InfoOutputFormatChanged})
	codec.eosOnQueue = true
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	if err := p.Drain(true); err != nil {
		t.Fatalf("Drain(true): %v", err)
	}
	if p.State() != StateFinalized {
		t.Errorf("state = %s, want %s", p.State(), StateFinalized)
	}
	if len(codec.inputs) != 1 {
		t.Fatalf("queued %d inputs, want 1 end-of-stream input", len(codec.inputs))
	}
	in := codec.inputs[0]
	if in.flags&FlagEndOfStream == 0 || len(in.data) != 0 {
		t.Errorf("end-of-stream input = %+v, want empty flagged input", in)
	}
	if !muxer.started {
		t.Error("muxer not started")
	}

	// Finalized pipelines ignore further drains.
	if err := p.Drain(true); err != nil {
		t.Errorf("second Drain(true): %v", err)
	}
	if len(codec.inputs) != 1 {
		t.Errorf("second drain queued another input")
	}
}

func TestPipelineDrain_EndOfStreamWritesPendingPackets(t *testing.T) {
	codec := newFakeCodec(
		outEvent{status: InfoOutputFormatChanged},
		outEvent{data: []byte("one")},
		outEvent{status: InfoTryAgainLater},
		outEvent{data: []byte("two"), flags: FlagEndOfStream},
	)
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	if err := p.Drain(true); err != nil {
		t.Fatalf("Drain(true): %v", err)
	}
	var got []string
	for _, s := range muxer.samples {
		got = append(got, string(s))
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("samples = %v, want [one two]", got)
	}
}

func TestPipelineDrain_EndOfStreamTimeout(t *testing.T) {
	codec := newFakeCodec(outEvent{status: InfoOutputFormatChanged})
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	err := p.Drain(true)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Drain(true) error = %v, want ErrDrainTimeout", err)
	}
}

func TestPipelineFeed_DropsWhenNoInputSlot(t *testing.T) {
	codec := newFakeCodec()
	codec.noInputSlots = true
	p := newTestPipeline(t, codec, &fakeMuxer{})

	if err := p.Feed([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(codec.inputs) != 0 {
		t.Errorf("queued %d inputs, want 0", len(codec.inputs))
	}
}

func TestPipelineFeed_SplitsAcrossSlotsWithMonotonicPts(t *testing.T) {
	codec := newFakeCodec()
	times := []time.Time{
		time.Unix(100, 0),
		time.Unix(100, 0).Add(20 * time.Millisecond),
		time.Unix(100, 0).Add(10 * time.Millisecond), // clock steps back
	}
	p := NewPipeline(codec, &fakeMuxer{}, Options{
		Format:  Format{MimeType: MimeRaw, SampleRate: 44100, Channels: 1, MaxInputSize: 8},
		Metrics: testMetrics(t),
		Clock: func() time.Time {
			now := times[0]
			if len(times) > 1 {
				times = times[1:]
			}
			return now
		},
	})
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	pcm := []byte("0123456789abcdef")
	if err := p.Feed(pcm); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(codec.inputs) != 2 {
		t.Fatalf("queued %d inputs, want 2", len(codec.inputs))
	}
	var joined []byte
	for _, in := range codec.inputs {
		joined = append(joined, in.data...)
	}
	if !bytes.Equal(joined, pcm) {
		t.Errorf("queued data = %q, want %q", joined, pcm)
	}
	if codec.inputs[0].ptsUs != 20000 || codec.inputs[1].ptsUs != 20000 {
		t.Errorf("pts = %d, %d, want 20000, 20000", codec.inputs[0].ptsUs, codec.inputs[1].ptsUs)
	}
}

func TestPipelineSetup_ConfigureFailure(t *testing.T) {
	codec := newFakeCodec()
	codec.configureErr = errors.New("unsupported profile")
	p := NewPipeline(codec, &fakeMuxer{}, Options{Metrics: testMetrics(t)})

	if err := p.Setup(); !errors.Is(err, ErrEncoderSetupFailed) {
		t.Fatalf("Setup error = %v, want ErrEncoderSetupFailed", err)
	}
}

func TestPipelineRelease_Idempotent(t *testing.T) {
	codec := newFakeCodec(outEvent{status: InfoOutputFormatChanged})
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)
	if err := p.Drain(false); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.Release(); err != nil {
			t.Fatalf("Release #%d: %v", i+1, err)
		}
	}
	if codec.stops != 1 || codec.releases != 1 {
		t.Errorf("codec stop/release = %d/%d, want 1/1", codec.stops, codec.releases)
	}
	if muxer.stops != 1 || muxer.releases != 1 {
		t.Errorf("muxer stop/release = %d/%d, want 1/1", muxer.stops, muxer.releases)
	}
}

func TestPipelineRelease_SkipsStopForUnstartedMuxer(t *testing.T) {
	codec := newFakeCodec()
	muxer := &fakeMuxer{}
	p := newTestPipeline(t, codec, muxer)

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if muxer.stops != 0 {
		t.Errorf("muxer stopped %d times, want 0", muxer.stops)
	}
	if muxer.releases != 1 {
		t.Errorf("muxer released %d times, want 1", muxer.releases)
	}
}

// gatedCodec holds the first output dequeue after end of stream was queued
// until gate is closed.
type gatedCodec struct {
	*fakeCodec
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (c *gatedCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int {
	if n := len(c.inputs); n > 0 && c.inputs[n-1].flags&FlagEndOfStream != 0 {
		c.once.Do(func() {
			close(c.entered)
			<-c.gate
		})
	}
	return c.fakeCodec.DequeueOutputBuffer(info, timeout)
}

func TestPipelineRelease_WaitsForInFlightDrain(t *testing.T) {
	inner := newFakeCodec(outEvent{status: InfoOutputFormatChanged})
	inner.eosOnQueue = true
	codec := &gatedCodec{fakeCodec: inner, entered: make(chan struct{}), gate: make(chan struct{})}
	muxer := &fakeMuxer{}
	p := NewPipeline(codec, muxer, Options{
		Format:       Format{MimeType: MimeRaw, SampleRate: 44100, Channels: 1, MaxInputSize: 8},
		InputTimeout: time.Millisecond,
		DrainTimeout: 5 * time.Second,
		Metrics:      testMetrics(t),
	})
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	drained := make(chan error, 1)
	go func() { drained <- p.Drain(true) }()
	<-codec.entered

	released := make(chan error, 1)
	go func() { released <- p.Release() }()
	select {
	case err := <-released:
		t.Fatalf("Release returned %v while the final drain was still running", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(codec.gate)
	if err := <-drained; err != nil {
		t.Fatalf("Drain(true): %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.State() != StateReleased {
		t.Errorf("state = %s, want %s", p.State(), StateReleased)
	}
	if muxer.stops != 1 || muxer.releases != 1 {
		t.Errorf("muxer stop/release = %d/%d, want 1/1", muxer.stops, muxer.releases)
	}

	if err := p.Drain(true); err == nil {
		t.Error("Drain after Release succeeded, want error")
	}
	if err := p.Feed([]byte{1, 2}); err == nil {
		t.Error("Feed after Release succeeded, want error")
	}
}
