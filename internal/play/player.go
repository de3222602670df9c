// Package play plays finished recordings through an external audio player.
package play

import (
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/callcapture/internal/library"
)

// players in order of preference
var players = []string{"vlc", "mpv", "ffplay", "aplay"}

type Player struct {
	store    *library.Store
	lookPath func(string) (string, error)
}

func New(store *library.Store) *Player {
	return &Player{store: store, lookPath: exec.LookPath}
}

// Play looks the recording up by id and blocks until playback ends.
func (p *Player) Play(id string) error {
	rec, err := p.store.Find(id)
	if err != nil {
		return err
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd, err := command(player, rec.FilePath)
	if err != nil {
		return err
	}

	slog.Info("Playing recording", "file", rec.FileName, "player", player, "duration_ms", rec.DurationMs)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	slog.Debug("Playback completed", "file", rec.FileName)
	return nil
}

func command(player, file string) (*exec.Cmd, error) {
	switch player {
	case "vlc":
		return exec.Command("vlc", "--play-and-exit", file), nil
	case "mpv":
		return exec.Command("mpv", "--no-video", file), nil
	case "ffplay":
		return exec.Command("ffplay", "-nodisp", "-autoexit", file), nil
	case "aplay":
		// aplay only understands WAV
		if ext := strings.ToLower(filepath.Ext(file)); ext != ".wav" {
			return nil, fmt.Errorf("aplay requires WAV format, recording is %s", strings.TrimPrefix(ext, "."))
		}
		return exec.Command("aplay", file), nil
	}
	return nil, fmt.Errorf("unsupported player: %s", player)
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
