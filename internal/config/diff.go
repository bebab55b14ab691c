package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallChanged is true if any per-call setting changed. Call settings
	// apply to the next call; an active call keeps its configuration.
	CallChanged bool
	CallChanges []string // changed keys, e.g. "call.voice"

	PreviewChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart (provider, audio devices, listener).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CallChanged && !d.PreviewChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Call.Instructions != new.Call.Instructions {
		d.CallChanges = append(d.CallChanges, "call.instructions")
	}
	if old.Call.Voice != new.Call.Voice {
		d.CallChanges = append(d.CallChanges, "call.voice")
	}
	if old.Call.Language != new.Call.Language {
		d.CallChanges = append(d.CallChanges, "call.language")
	}
	if !slices.Equal(old.Call.ReferenceDocs, new.Call.ReferenceDocs) {
		d.CallChanges = append(d.CallChanges, "call.reference_docs")
	}
	d.CallChanged = len(d.CallChanges) > 0

	d.PreviewChanged = old.Preview != new.Preview

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Failover != new.Failover {
		d.RestartRequired = append(d.RestartRequired, "failover")
	}
	if old.Watch != new.Watch {
		d.RestartRequired = append(d.RestartRequired, "watch")
	}

	return d
}
