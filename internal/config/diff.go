package config

// ConfigDiff describes what changed between two configs. Only sections that
// can be applied without a restart are tracked individually; everything else
// is summarised by RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MatchingChanged bool
	ProfilesChanged bool
	HealthChanged   bool
	FailuresChanged bool

	// RestartRequired lists sections whose changes only take effect after a
	// restart (listen address, TLS, storage, failure history, telemetry).
	RestartRequired []string
}

// Changed reports whether any hot-reloadable section changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MatchingChanged || d.ProfilesChanged || d.HealthChanged || d.FailuresChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.MatchingChanged = old.Matching != new.Matching
	d.ProfilesChanged = old.Profiles != new.Profiles
	d.HealthChanged = !healthEqual(old.Health, new.Health)
	d.FailuresChanged = old.Failures != new.Failures

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Failures.HistorySize != new.Failures.HistorySize || old.Failures.JournalPath != new.Failures.JournalPath {
		d.RestartRequired = append(d.RestartRequired, "failures")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func healthEqual(a, b HealthConfig) bool {
	if a.AutoRecoveryEnabled() != b.AutoRecoveryEnabled() {
		return false
	}
	a.AutoRecovery, b.AutoRecovery = nil, nil
	return a == b
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
