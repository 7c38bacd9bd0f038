package session

// StatusTexts are the user-facing status lines emitted at each transition.
// Empty fields fall back to [DefaultStatusTexts].
type StatusTexts struct {
	Initializing          string
	RequestingMicrophone  string
	MicrophoneActive      string
	MicrophoneDenied      string
	MicrophoneUnavailable string
	Interrupted           string
	TurnComplete          string
	SessionError          string
	StartFailed           string
	ClosedClean           string
	ClosedUnexpectedly    string
	Closed                string
}

// DefaultStatusTexts returns the built-in status lines.
func DefaultStatusTexts() StatusTexts {
	return StatusTexts{
		Initializing:          "Initializing live session...",
		RequestingMicrophone:  "Session connected. Requesting microphone access...",
		MicrophoneActive:      "Session connected. Microphone active. Awaiting your query.",
		MicrophoneDenied:      "Microphone access denied. Please enable and try again.",
		MicrophoneUnavailable: "Couldn't open the microphone. Please check your audio device.",
		Interrupted:           "The agent was interrupted. Please continue.",
		TurnComplete:          "What else would you like to know?",
		SessionError:          "The session hit an error.",
		StartFailed:           "Couldn't start the conversation. There might be an issue with the API key or your connection.",
		ClosedClean:           "Conversation ended cleanly.",
		ClosedUnexpectedly:    "Conversation ended unexpectedly. Please try again.",
		Closed:                "Conversation closed.",
	}
}

// withDefaults fills empty fields from DefaultStatusTexts.
func (s StatusTexts) withDefaults() StatusTexts {
	d := DefaultStatusTexts()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&s.Initializing, d.Initializing)
	fill(&s.RequestingMicrophone, d.RequestingMicrophone)
	fill(&s.MicrophoneActive, d.MicrophoneActive)
	fill(&s.MicrophoneDenied, d.MicrophoneDenied)
	fill(&s.MicrophoneUnavailable, d.MicrophoneUnavailable)
	fill(&s.Interrupted, d.Interrupted)
	fill(&s.TurnComplete, d.TurnComplete)
	fill(&s.SessionError, d.SessionError)
	fill(&s.StartFailed, d.StartFailed)
	fill(&s.ClosedClean, d.ClosedClean)
	fill(&s.ClosedUnexpectedly, d.ClosedUnexpectedly)
	fill(&s.Closed, d.Closed)
	return s
}
