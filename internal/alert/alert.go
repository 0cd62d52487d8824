// Package alert plays a local notification sound when a keyword is detected.
//
// Playback goes through an OS player command (ffplay, then aplay on Linux;
// afplay on macOS) in a background goroutine so the real-time path never
// waits on audio output. When no player or sound file is available, a
// terminal bell is emitted instead. A cooldown suppresses alert storms when
// several hits land in quick succession.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between two audible alerts.
const DefaultCooldown = 5 * time.Second

// playTimeout caps one player invocation; a wedged player process must not
// accumulate.
const playTimeout = 10 * time.Second

// Player plays the configured alert sound, at most once per cooldown.
type Player struct {
	soundPath string
	cooldown  time.Duration

	mu   sync.Mutex
	last time.Time
}

// Option configures a Player.
type Option func(*Player)

// WithCooldown sets the minimum interval between audible alerts.
func WithCooldown(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// New creates a Player for the given sound file. An empty path is valid:
// the player then always falls back to the terminal bell.
func New(soundPath string, opts ...Option) *Player {
	p := &Player{soundPath: soundPath, cooldown: DefaultCooldown}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trigger plays the alert sound for a detection of the given severity. It
// returns immediately; playback runs in the background. Calls within the
// cooldown window are dropped.
func (p *Player) Trigger(severity int) {
	p.mu.Lock()
	now := time.Now()
	if now.Sub(p.last) < p.cooldown {
		p.mu.Unlock()
		return
	}
	p.last = now
	p.mu.Unlock()

	go func() {
		if err := p.play(); err != nil {
			slog.Warn("alert playback failed, using bell",
				"severity", severity, "error", err)
			bell()
		}
	}()
}

// play runs the first available OS player against the sound file.
func (p *Player) play() error {
	if p.soundPath == "" {
		return fmt.Errorf("alert: no sound file configured")
	}
	if _, err := os.Stat(p.soundPath); err != nil {
		return fmt.Errorf("alert: sound file: %w", err)
	}

	cmd, err := p.playerCommand()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	if err := c.Run(); err != nil {
		return fmt.Errorf("alert: %s: %w", cmd[0], err)
	}
	return nil
}

// playerCommand picks a player for the current OS. On Linux ffplay is
// preferred (any format); aplay handles wav only.
func (p *Player) playerCommand() ([]string, error) {
	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("afplay"); err == nil {
			return []string{"afplay", p.soundPath}, nil
		}
	default:
		if _, err := exec.LookPath("ffplay"); err == nil {
			return []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", p.soundPath}, nil
		}
		if _, err := exec.LookPath("aplay"); err == nil {
			if !strings.HasSuffix(strings.ToLower(p.soundPath), ".wav") {
				return nil, fmt.Errorf("alert: aplay plays wav only, got %q", p.soundPath)
			}
			return []string{"aplay", "-q", p.soundPath}, nil
		}
	}
	return nil, fmt.Errorf("alert: no audio player found")
}

// bell writes the terminal bell character.
func bell() {
	fmt.Fprint(os.Stderr, "\a")
}
