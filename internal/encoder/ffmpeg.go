package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const processStopTimeout = 5 * time.Second

// ffmpegPath resolves the ffmpeg executable.
func ffmpegPath() (string, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return path, nil
}

// process wraps an ffmpeg child whose stdin has been closed or is about to
// be, and waits for it with a bounded timeout.
type process struct {
	cmd    *exec.Cmd
	stderr *lockedBuffer

	once sync.Once
	done chan struct{}
	err  error
}

// startProcess starts cmd and reaps it in the background. onExit, if set,
// runs after the process and its output copying have finished.
func startProcess(cmd *exec.Cmd, onExit func()) (*process, error) {
	p := &process{cmd: cmd, stderr: &lockedBuffer{}, done: make(chan struct{})}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.err = cmd.Wait()
		if onExit != nil {
			onExit()
		}
		close(p.done)
	}()
	return p, nil
}

// wait blocks until the process exits or timeout elapses, then kills it.
func (p *process) wait(timeout time.Duration) error {
	select {
	case <-p.done:
		if p.err != nil {
			var exitErr *exec.ExitError
			if errors.As(p.err, &exitErr) {
				slog.Debug("FFmpeg stderr", "output", p.stderr.String())
				return fmt.Errorf("FFmpeg process failed (exit %d): %s", exitErr.ExitCode(), p.stderr.String())
			}
			return fmt.Errorf("FFmpeg process failed: %w", p.err)
		}
		return nil
	case <-time.After(timeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing", "timeout", timeout)
		p.kill()
		<-p.done
		return fmt.Errorf("FFmpeg did not exit within %s", timeout)
	}
}

func (p *process) kill() {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	})
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
