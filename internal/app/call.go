package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/console"
	"github.com/MrWong99/callbridge/internal/prompt"
	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio/devmatch"
)

var (
	// ErrPreviewUnavailable is returned by [App.Preview] when no synthesiser
	// could be configured.
	ErrPreviewUnavailable = errors.New("app: voice preview unavailable")

	// ErrNoConfigFile is returned by [App.Reload] when the configuration did
	// not come from a file.
	ErrNoConfigFile = errors.New("app: no configuration file to reload")
)

var _ console.Bridge = (*App)(nil)

// StartCall connects the agent using the current call settings. A non-empty
// instruction replaces the configured one for this call. Reference documents
// are read at every start so edits apply to the next call.
func (a *App) StartCall(ctx context.Context, instruction string) error {
	cfg := a.cfg.Load()

	docs, err := prompt.LoadDocuments(cfg.Call.ReferenceDocs)
	if err != nil {
		return fmt.Errorf("app: start call: %w", err)
	}
	if strings.TrimSpace(instruction) == "" {
		instruction = cfg.Call.Instructions
	}

	cc := session.CallConfig{
		Instructions: prompt.Build(instruction, cfg.Call.Language, docs),
		Voice:        cfg.Call.Voice,
		Language:     cfg.Call.Language,
	}
	slog.Info("starting call",
		"provider", cfg.Provider.Name,
		"voice", cc.Voice,
		"language", cc.Language,
		"reference_docs", len(docs),
	)
	if err := a.ctrl.Connect(ctx, cc); err != nil {
		return err
	}
	slog.Info("call connected")
	return nil
}

// StopCall hangs up. It is a no-op when no call is active.
func (a *App) StopCall() {
	if a.ctrl.State() == session.StateDisconnected {
		return
	}
	a.ctrl.Disconnect()
	slog.Info("call ended")
}

// SendCommand forwards a silent supervisor directive to the agent.
func (a *App) SendCommand(text string) error {
	if err := a.ctrl.SendCommand(text); err != nil {
		return err
	}
	slog.Info("directive sent", "text", text)
	return nil
}

// ToggleMute flips the caller microphone and returns the new mute state.
func (a *App) ToggleMute() bool {
	muted := a.ctrl.ToggleMute()
	slog.Info("microphone", "muted", muted)
	return muted
}

// Status returns a snapshot of the call.
func (a *App) Status() session.Status { return a.ctrl.Status() }

// Devices lists the host sound devices.
func (a *App) Devices() ([]devmatch.Device, error) { return a.listDevices() }

// Preview plays a greeting in the configured voice. Refused during a call.
func (a *App) Preview(ctx context.Context) error {
	a.previewMu.Lock()
	player := a.player
	a.previewMu.Unlock()
	if player == nil {
		return ErrPreviewUnavailable
	}
	return player.Play(ctx, a.cfg.Load().Call.Voice)
}

func (a *App) callActive() bool {
	switch a.ctrl.State() {
	case session.StateConnecting, session.StateConnected:
		return true
	default:
		return false
	}
}

// Reload re-reads the configuration file and applies it as the watcher
// would. It reports whether anything changed.
func (a *App) Reload() (bool, error) {
	if a.watcher != nil {
		return a.watcher.Reload()
	}
	if a.cfgPath == "" {
		return false, ErrNoConfigFile
	}
	next, err := config.Load(a.cfgPath)
	if err != nil {
		return false, err
	}
	if a.getenv != nil {
		config.ApplyEnv(next, a.getenv)
	}
	old := a.cfg.Load()
	if config.Diff(old, next).Empty() {
		return false, nil
	}
	a.applyConfig(old, next)
	return true, nil
}
