package pipeline

import (
	"fmt"
	"time"
)

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

var stateNames = [...]string{"idle", "starting", "active", "stopping"}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	i, err := parseName(stateNames[:], string(b), "state")
	*s = State(i)
	return err
}

// Severity classifies a [Notification].
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

var severityNames = [...]string{"info", "success", "warning", "error"}

// String returns the lower-case severity name.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name produced by MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	i, err := parseName(severityNames[:], string(b), "severity")
	*s = Severity(i)
	return err
}

func parseName(names []string, v, kind string) (int, error) {
	for i, n := range names {
		if n == v {
			return i, nil
		}
	}
	return 0, fmt.Errorf("pipeline: unknown %s %q", kind, v)
}

// Notification is a human-readable status message for the user.
type Notification struct {
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

// LossPolicy selects how the coordinator reacts when the device reports a
// lost or closed connection. Every policy first publishes a warning
// notification.
type LossPolicy string

const (
	// LossPolicyNotify only notifies; stopping is left to the caller.
	LossPolicyNotify LossPolicy = "notify"

	// LossPolicyStop stops the pipeline in the background.
	LossPolicyStop LossPolicy = "stop"

	// LossPolicyReconnect reconnects the device with exponential backoff
	// after a connection loss. A clean remote disconnect only notifies.
	LossPolicyReconnect LossPolicy = "reconnect"
)

// Valid reports whether p is a known policy.
func (p LossPolicy) Valid() bool {
	switch p {
	case LossPolicyNotify, LossPolicyStop, LossPolicyReconnect:
		return true
	}
	return false
}

// Status is a point-in-time summary of the coordinator.
type Status struct {
	State          State     `json:"state"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Entries        int       `json:"entries"`
	HasInterim     bool      `json:"has_interim"`
	QueueDepth     int       `json:"queue_depth"`
	QueueCapacity  int       `json:"queue_capacity"`
	StartedAt      time.Time `json:"started_at,omitzero"`

	// ConsumerFault holds the error that stopped the chunk consumer, if any.
	// The pipeline stays Active but no longer forwards audio until it is
	// restarted.
	ConsumerFault string `json:"consumer_fault,omitempty"`
}
