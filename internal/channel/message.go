// Package channel defines the broadcast message exchanged between contexts
// and the transports that carry it.
package channel

import (
	"encoding/json"
	"errors"
)

// Action tags the kind of a Message.
type Action string

const (
	ActionRegister   Action = "REGISTER"
	ActionDeregister Action = "DEREGISTER"
	ActionIdle       Action = "IDLE"
	ActionActive     Action = "ACTIVE"
	ActionPrompt     Action = "PROMPT"
	ActionStart      Action = "START"
	ActionReset      Action = "RESET"
	ActionActivate   Action = "ACTIVATE"
	ActionPause      Action = "PAUSE"
	ActionResume     Action = "RESUME"
	ActionMessage    Action = "MESSAGE"
	ActionLastActive Action = "LAST_ACTIVE"

	// Leader election traffic shares the channel with coordinator traffic.
	ActionElectionApply Action = "ELECTION_APPLY"
	ActionElectionTell  Action = "ELECTION_TELL"
	ActionElectionDeath Action = "ELECTION_DEATH"
)

// Known reports whether a is one of the actions above.
func (a Action) Known() bool {
	switch a {
	case ActionRegister, ActionDeregister, ActionIdle, ActionActive, ActionPrompt,
		ActionStart, ActionReset, ActionActivate, ActionPause, ActionResume,
		ActionMessage, ActionLastActive,
		ActionElectionApply, ActionElectionTell, ActionElectionDeath:
		return true
	}
	return false
}

// Message is the unit broadcast on a channel.
// Data is only set for MESSAGE and DateNow only for LAST_ACTIVE.
type Message struct {
	Action  Action          `json:"action"`
	Token   string          `json:"token"`
	Data    json.RawMessage `json:"data,omitempty"`
	DateNow int64           `json:"dateNow,omitempty"`
}

// Handler receives messages published by other endpoints of a channel.
type Handler func(Message)

// ErrClosed is returned by Publish on a transport that has been closed.
var ErrClosed = errors.New("channel: closed")
