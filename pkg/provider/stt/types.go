package stt

import "time"

// Transcript is a recognition result. Partial and final transcripts share
// this type and are distinguished by IsFinal.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the provider does not report it.
	Confidence float64

	// Words carries per-word detail when available.
	Words []WordDetail

	// SpeakerID identifies the speaker when diarisation is active. Providers
	// without diarisation leave it empty.
	SpeakerID string

	// Timestamp marks the utterance start relative to session start.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	// Speaker is the diarised speaker index, or -1 when unknown.
	Speaker int
}
