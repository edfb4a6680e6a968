package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually; any
// other change sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InterruptionChanged and WakeChanged apply to voice sessions started
	// after the reload. ContextWindowChanged applies from the next submit.
	InterruptionChanged  bool
	ContextWindowChanged bool
	WakeChanged          bool

	// RestartRequired reports changes to providers, storage, server or voice
	// settings, which only take effect on restart.
	RestartRequired bool
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InterruptionChanged || d.ContextWindowChanged || d.WakeChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.InterruptionChanged = !reflect.DeepEqual(old.Interruption, new.Interruption)
	d.ContextWindowChanged = old.ContextWindow != new.ContextWindow

	oc, nc := old.Conversation, new.Conversation
	d.WakeChanged = !slices.Equal(oc.WakePhrases, nc.WakePhrases) ||
		oc.WakeFuzzyThreshold != nc.WakeFuzzyThreshold ||
		boolValue(oc.RequireWake, true) != boolValue(nc.RequireWake, true) ||
		oc.AutoSubmit != nc.AutoSubmit

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oc.WakePhrases, nc.WakePhrases = nil, nil
	oc.WakeFuzzyThreshold, nc.WakeFuzzyThreshold = 0, 0
	oc.RequireWake, nc.RequireWake = nil, nil
	oc.AutoSubmit, nc.AutoSubmit = false, false

	d.RestartRequired = !reflect.DeepEqual(oldServer, newServer) ||
		!reflect.DeepEqual(old.Providers, new.Providers) ||
		old.Storage != new.Storage ||
		old.Voice != new.Voice ||
		!reflect.DeepEqual(oc, nc) ||
		old.TurnTaking != new.TurnTaking ||
		old.Telemetry != new.Telemetry

	return d
}

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
