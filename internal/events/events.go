package events

import "time"

// Event types pushed to relay observers.
const (
	TypeSnapshot = "snapshot"
	TypeJoined   = "joined"
	TypeLeft     = "left"
	TypePruned   = "pruned"
)

// Event is a presence or journal update pushed to dashboard clients.
type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel,omitempty"`
	Token   string    `json:"token,omitempty"`
	Peers   int       `json:"peers,omitempty"`
	At      time.Time `json:"at,omitzero"`
	// Synthetic is set when the relay reported the departure itself because
	// the connection dropped.
	Synthetic bool `json:"synthetic,omitempty"`
	// Rows is the number of journal rows removed by a prune.
	Rows int64 `json:"rows,omitempty"`
}

// Broadcaster sends events to connected observers.
type Broadcaster interface {
	Broadcast(e Event)
}

// Send delivers e through b. A nil b is a no-op.
func Send(b Broadcaster, e Event) {
	if b != nil {
		b.Broadcast(e)
	}
}
