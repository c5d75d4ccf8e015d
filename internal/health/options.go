package health

// RecoveryOption is a user choice offered alongside a degraded or failed
// transition.
type RecoveryOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Recovery option ids.
const (
	OptionContinueWithoutLabels = "continue_without_speaker_labels"
	OptionRetryAfterSession     = "retry_after_session"
	OptionRetryNow              = "retry_now"
	OptionDisablePermanently    = "disable_permanently"
)

// processFaults are reasons caused by the engine process rather than by the
// user's setup or the audio itself; restarting the engine may help.
var processFaults = map[string]bool{
	ReasonInitTimeout:       true,
	ReasonNoSegmentsTimeout: true,
	ReasonModelLoading:      true,
	ReasonProcessError:      true,
	ReasonConsecutiveErrors: true,
}

// RecoveryOptions returns the options offered for reason, in display order.
func RecoveryOptions(reason string) []RecoveryOption {
	opts := []RecoveryOption{{
		ID:          OptionContinueWithoutLabels,
		Label:       "Continue without speaker labels",
		Description: "Keep recording; the transcript will not identify speakers.",
	}}
	if processFaults[reason] {
		opts = append(opts, RecoveryOption{
			ID:          OptionRetryNow,
			Label:       "Retry now",
			Description: "Restart speaker identification for the rest of this session.",
		})
	}
	if reason != ReasonAuthentication {
		opts = append(opts, RecoveryOption{
			ID:          OptionRetryAfterSession,
			Label:       "Retry after session",
			Description: "Re-run speaker identification on the full recording once the session ends.",
		})
	}
	return append(opts, RecoveryOption{
		ID:          OptionDisablePermanently,
		Label:       "Disable speaker identification",
		Description: "Stop identifying speakers in future sessions. This can be re-enabled in settings.",
	})
}

// Message returns the human-readable text for a transition to `to`.
func Message(to Status, reason string) string {
	switch to {
	case StatusActive:
		return "Speaker identification is working."
	case StatusDisabled:
		return "Speaker identification is disabled."
	}
	switch reason {
	case ReasonInitTimeout:
		return "Speaker identification did not start in time."
	case ReasonNoSegmentsWarning:
		return "Speaker identification has not produced results recently."
	case ReasonNoSegmentsTimeout:
		return "Speaker identification stopped producing results."
	case ReasonSingleSpeaker:
		return "Only one speaker has been detected so far; speaker separation may not be working."
	case ReasonAuthentication:
		return "Speaker identification could not authenticate with its model provider."
	case ReasonModelLoading:
		return "The speaker identification model could not be loaded."
	case ReasonConsecutiveErrors:
		return "Speaker identification failed repeatedly."
	}
	if to == StatusFailed {
		return "Speaker identification failed."
	}
	return "Speaker identification is having problems."
}
