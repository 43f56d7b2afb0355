package db

import "time"

// PresenceEvent is a journal row describing a context joining or leaving a
// channel on the relay.
type PresenceEvent struct {
	ID      int64     `json:"id"`
	Channel string    `json:"channel"`
	Token   string    `json:"token"`
	Action  string    `json:"action"`
	Ts      time.Time `json:"ts"`
	// Synthetic marks DEREGISTER rows the relay emitted on behalf of a
	// connection that dropped without saying goodbye.
	Synthetic bool `json:"synthetic,omitempty"`
}

// ChannelActivity summarises the journal for one channel.
type ChannelActivity struct {
	Channel   string    `json:"channel"`
	Events    int       `json:"events"`
	Joins     int       `json:"joins"`
	Leaves    int       `json:"leaves"`
	LastEvent time.Time `json:"last_event"`
}
