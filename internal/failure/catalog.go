package failure

import "strings"

// Type categorises a diarization failure.
type Type string

const (
	TypeSilentFallback    Type = "silent_fallback"
	TypeNoSegments        Type = "no_segments"
	TypeAuthentication    Type = "authentication_error"
	TypeModelLoading      Type = "model_loading_error"
	TypeDependencyMissing Type = "dependency_missing"
	TypeOutOfMemory       Type = "out_of_memory"
	TypeTimeout           Type = "timeout"
	TypeAudioFormat       Type = "audio_format"
	TypeProcessCrash      Type = "process_crash"
	TypeUnknown           Type = "unknown"
)

// Severity ranks how disruptive a failure is for the user.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type entry struct {
	severity     Severity
	message      string
	remediation  []string
	showFallback bool
}

// catalog holds the canonical message and ordered remediation steps per type.
var catalog = map[Type]entry{
	TypeSilentFallback: {
		severity: SeverityError,
		message:  "Speaker identification produced placeholder speakers instead of real ones.",
		remediation: []string{
			"Check that the recording contains more than one voice.",
			"Re-run speaker identification on the recording after the session.",
			"If this keeps happening, update or reinstall the diarization engine.",
		},
		showFallback: true,
	},
	TypeNoSegments: {
		severity: SeverityError,
		message:  "Speaker identification finished without producing any segments.",
		remediation: []string{
			"Confirm the recording contains audible speech.",
			"Check the input device and recording level.",
			"Re-run speaker identification on the recording after the session.",
		},
		showFallback: true,
	},
	TypeAuthentication: {
		severity: SeverityCritical,
		message:  "Speaker identification could not authenticate with its model provider.",
		remediation: []string{
			"Open settings and re-enter the model access token.",
			"Make sure the token has accepted the model's license terms.",
			"Restart the session once the token is updated.",
		},
		showFallback: true,
	},
	TypeModelLoading: {
		severity: SeverityCritical,
		message:  "The speaker identification model could not be loaded.",
		remediation: []string{
			"Check available disk space for the model cache.",
			"Clear the model cache so the model is downloaded again.",
			"Restart the application.",
		},
		showFallback: true,
	},
	TypeDependencyMissing: {
		severity: SeverityCritical,
		message:  "A component required for speaker identification is not installed.",
		remediation: []string{
			"Run the setup step that installs the diarization engine.",
			"Restart the application after installation.",
		},
		showFallback: true,
	},
	TypeOutOfMemory: {
		severity: SeverityError,
		message:  "Speaker identification ran out of memory.",
		remediation: []string{
			"Close other memory-intensive applications.",
			"Process long recordings after the session instead of live.",
		},
		showFallback: true,
	},
	TypeTimeout: {
		severity: SeverityWarning,
		message:  "Speaker identification took too long to respond.",
		remediation: []string{
			"Wait a moment; the engine may still be starting.",
			"Re-run speaker identification on the recording after the session.",
		},
		showFallback: true,
	},
	TypeAudioFormat: {
		severity: SeverityError,
		message:  "The recording's audio format is not supported by speaker identification.",
		remediation: []string{
			"Record in a supported format (16 kHz mono WAV works everywhere).",
			"Convert the file and re-run speaker identification.",
		},
		showFallback: true,
	},
	TypeProcessCrash: {
		severity: SeverityError,
		message:  "The speaker identification engine stopped unexpectedly.",
		remediation: []string{
			"Retry speaker identification.",
			"Restart the application if the problem persists.",
			"Report the diagnostics below if it keeps crashing.",
		},
		showFallback: true,
	},
	TypeUnknown: {
		severity: SeverityError,
		message:  "Speaker identification failed.",
		remediation: []string{
			"Retry speaker identification.",
			"Report the diagnostics below if the problem persists.",
		},
		showFallback: true,
	},
}

func lookup(t Type) entry {
	if e, ok := catalog[t]; ok {
		return e
	}
	return catalog[TypeUnknown]
}

// Remediation returns the ordered remediation steps for t.
func Remediation(t Type) []string {
	return append([]string(nil), lookup(t).remediation...)
}

// categories maps lower-case substrings of engine error text to types. Order
// matters: the first rule with a matching substring wins.
var categories = []struct {
	t       Type
	needles []string
}{
	{TypeAuthentication, []string{"401", "403", "unauthorized", "authentication", "invalid token", "access token", "gated repo", "access denied"}},
	{TypeOutOfMemory, []string{"out of memory", "oom", "cannot allocate memory", "memoryerror"}},
	{TypeDependencyMissing, []string{"no module named", "modulenotfounderror", "not installed", "command not found", "executable file not found"}},
	{TypeModelLoading, []string{"load model", "loading model", "model not found", "checkpoint", "weights"}},
	{TypeAudioFormat, []string{"unsupported format", "invalid audio", "sample rate", "codec", "could not decode"}},
	{TypeTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{TypeProcessCrash, []string{"segmentation fault", "killed", "exited with", "exit status", "broken pipe", "crash", "signal"}},
	{TypeSilentFallback, []string{"silent fallback", "single speaker", "fallback"}},
}

// Categorize maps engine error text to a [Type]. Text that matches no rule
// is [TypeUnknown].
func Categorize(errText string) Type {
	s := strings.ToLower(errText)
	if strings.TrimSpace(s) == "" {
		return TypeUnknown
	}
	for _, c := range categories {
		for _, n := range c.needles {
			if strings.Contains(s, n) {
				return c.t
			}
		}
	}
	return TypeUnknown
}
