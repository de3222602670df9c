package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu       sync.Mutex
	started  bool
	stops    int
	uninits  int
	startErr error
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.started = false
	return nil
}

func (d *fakeDevice) Uninit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uninits++
}

// fakeOpener returns an opener that captures the data callback.
func fakeOpener(dev *fakeDevice, feed *func([]byte)) deviceOpener {
	return func(kind Kind, opts SourceOptions, onData func([]byte)) (captureDevice, error) {
		*feed = onData
		return dev, nil
	}
}

func testOptions() SourceOptions {
	return SourceOptions{SampleRate: 8000, Channels: 1, ReadTimeout: 5 * time.Millisecond}
}

func TestDeviceSource_ReadDeliversCapturedPCM(t *testing.T) {
	dev := &fakeDevice{}
	var feed func([]byte)
	src := newDeviceSource(KindMic, testOptions(), fakeOpener(dev, &feed))

	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	feed([]byte{1, 2, 3, 4})
	feed([]byte{5, 6})

	buf := make([]byte, 4)
	n, err := src.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("Expected 4 bytes, got %d (err %v)", n, err)
	}
	if buf[0] != 1 || buf[3] != 4 {
		t.Errorf("Unexpected data: %v", buf)
	}

	n, _ = src.Read(buf)
	if n != 2 || buf[0] != 5 || buf[1] != 6 {
		t.Errorf("Expected remaining 2 bytes [5 6], got %d %v", n, buf[:n])
	}
}

func TestDeviceSource_ReadWithoutDataReturnsZero(t *testing.T) {
	dev := &fakeDevice{}
	var feed func([]byte)
	src := newDeviceSource(KindMic, testOptions(), fakeOpener(dev, &feed))
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	n, err := src.Read(make([]byte, 64))
	if n != 0 || err != nil {
		t.Errorf("Expected zero-byte read, got %d (err %v)", n, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Read blocked too long: %s", elapsed)
	}
}

func TestDeviceSource_ReadBeforeStartReturnsZero(t *testing.T) {
	src := newDeviceSource(KindMic, testOptions(), fakeOpener(&fakeDevice{}, new(func([]byte))))
	if n, _ := src.Read(make([]byte, 8)); n != 0 {
		t.Errorf("Expected 0 bytes before Start, got %d", n)
	}
}

func TestDeviceSource_StopAndReleaseAreIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	var feed func([]byte)
	src := newDeviceSource(KindLoopback, testOptions(), fakeOpener(dev, &feed))
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := src.Stop(); err != nil {
			t.Errorf("Stop #%d failed: %v", i+1, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := src.Release(); err != nil {
			t.Errorf("Release #%d failed: %v", i+1, err)
		}
	}

	if dev.stops != 1 {
		t.Errorf("Expected device stopped once, got %d", dev.stops)
	}
	if dev.uninits != 1 {
		t.Errorf("Expected device uninitialized once, got %d", dev.uninits)
	}
	if err := src.Start(); !errors.Is(err, ErrCaptureUnavailable) {
		t.Errorf("Expected ErrCaptureUnavailable on restart, got %v", err)
	}
}

func TestDeviceSource_ReleaseWithoutStart(t *testing.T) {
	dev := &fakeDevice{}
	src := newDeviceSource(KindMic, testOptions(), fakeOpener(dev, new(func([]byte))))
	if err := src.Release(); err != nil {
		t.Errorf("Release of unstarted source failed: %v", err)
	}
	if dev.uninits != 0 {
		t.Errorf("Expected no device uninit for unopened device, got %d", dev.uninits)
	}
}

func TestDeviceSource_StartFailures(t *testing.T) {
	t.Run("open error maps to capture unavailable", func(t *testing.T) {
		open := func(Kind, SourceOptions, func([]byte)) (captureDevice, error) {
			return nil, errors.New("device busy")
		}
		src := newDeviceSource(KindMic, testOptions(), open)
		if err := src.Start(); !errors.Is(err, ErrCaptureUnavailable) {
			t.Errorf("Expected ErrCaptureUnavailable, got %v", err)
		}
	})

	t.Run("permission denied is preserved", func(t *testing.T) {
		open := func(Kind, SourceOptions, func([]byte)) (captureDevice, error) {
			return nil, ErrPermissionDenied
		}
		src := newDeviceSource(KindMic, testOptions(), open)
		if err := src.Start(); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("Expected ErrPermissionDenied, got %v", err)
		}
	})

	t.Run("device start error uninitializes", func(t *testing.T) {
		dev := &fakeDevice{startErr: errors.New("boom")}
		src := newDeviceSource(KindMic, testOptions(), fakeOpener(dev, new(func([]byte))))
		if err := src.Start(); !errors.Is(err, ErrCaptureUnavailable) {
			t.Errorf("Expected ErrCaptureUnavailable, got %v", err)
		}
		if dev.uninits != 1 {
			t.Errorf("Expected device uninitialized after failed start, got %d", dev.uninits)
		}
	})
}

func TestPCMBuffer_OverflowDropsOldest(t *testing.T) {
	b := newPCMBuffer(4)
	b.write([]byte{1, 2, 3})
	b.write([]byte{4, 5, 6})

	out := make([]byte, 8)
	n := b.read(out, time.Millisecond)
	if n != 4 {
		t.Fatalf("Expected 4 buffered bytes, got %d", n)
	}
	want := []byte{3, 4, 5, 6}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, out[:n])
		}
	}
	if b.droppedBytes() != 2 {
		t.Errorf("Expected 2 dropped bytes, got %d", b.droppedBytes())
	}
}

func TestPCMBuffer_ReadWaitsForData(t *testing.T) {
	b := newPCMBuffer(16)
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.write([]byte{9, 9})
	}()

	out := make([]byte, 4)
	if n := b.read(out, time.Second); n != 2 {
		t.Errorf("Expected 2 bytes after waiting, got %d", n)
	}
}

func TestDeviceSource_ReadWithinZeroDoesNotWait(t *testing.T) {
	dev := &fakeDevice{}
	var feed func([]byte)
	opts := testOptions()
	opts.ReadTimeout = time.Second
	src := newDeviceSource(KindMic, opts, fakeOpener(dev, &feed))
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Release()

	out := make([]byte, 8)
	start := time.Now()
	if n, err := src.ReadWithin(out, 0); n != 0 || err != nil {
		t.Errorf("Expected empty read, got n=%d err=%v", n, err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("ReadWithin(0) blocked for %s", elapsed)
	}

	feed([]byte{1, 2})
	if n, _ := src.ReadWithin(out, 0); n != 2 {
		t.Errorf("Expected 2 buffered bytes, got %d", n)
	}
}

func TestLoopbackRequiresConsent(t *testing.T) {
	backend := &MalgoBackend{}

	if _, err := backend.NewLoopbackSource(nil, testOptions()); !errors.Is(err, ErrCaptureUnavailable) {
		t.Errorf("Expected ErrCaptureUnavailable without token, got %v", err)
	}

	expired := &ConsentToken{ID: "x", ExpiresAt: time.Now().Add(-time.Minute)}
	if _, err := backend.NewLoopbackSource(expired, testOptions()); !errors.Is(err, ErrCaptureUnavailable) {
		t.Errorf("Expected ErrCaptureUnavailable with expired token, got %v", err)
	}
}
