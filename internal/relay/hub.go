package relay

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/tabsync/internal/channel"
	"github.com/zsprackett/tabsync/internal/db"
	"github.com/zsprackett/tabsync/internal/events"
)

const writeWait = 10 * time.Second

// peer is one websocket connection attached to a channel. send and tokens
// are guarded by Server.mu.
type peer struct {
	id      uint64
	channel string
	conn    *websocket.Conn
	send    chan []byte
	// tokens the connection announced and has not deregistered.
	tokens map[string]struct{}
}

// ChannelInfo describes a live channel on the relay.
type ChannelInfo struct {
	Name   string   `json:"name"`
	Peers  int      `json:"peers"`
	Tokens []string `json:"tokens"`
}

func (s *Server) join(name string, conn *websocket.Conn) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	p := &peer{
		id:      s.nextID,
		channel: name,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		tokens:  make(map[string]struct{}),
	}
	room, ok := s.rooms[name]
	if !ok {
		room = make(map[uint64]*peer)
		s.rooms[name] = room
	}
	room[p.id] = p
	s.metrics.setPeers(name, len(room))
	return p
}

// leave detaches p and announces a DEREGISTER for every token it left
// behind.
func (s *Server) leave(p *peer) {
	s.mu.Lock()
	room := s.rooms[p.channel]
	delete(room, p.id)
	remaining := len(room)
	if remaining == 0 {
		delete(s.rooms, p.channel)
	}
	close(p.send)
	orphans := make([]string, 0, len(p.tokens))
	for token := range p.tokens {
		orphans = append(orphans, token)
	}
	s.metrics.setPeers(p.channel, remaining)
	s.mu.Unlock()

	slices.Sort(orphans)
	for _, token := range orphans {
		data, _ := json.Marshal(channel.Message{Action: channel.ActionDeregister, Token: token})
		s.fanout(p.channel, 0, data)
		s.record(p.channel, token, channel.ActionDeregister, true)
	}
	if len(orphans) > 0 {
		s.logger.Info("relay: peer dropped without deregistering", "channel", p.channel, "tokens", len(orphans))
	}
}

// route forwards one frame from p to the rest of its channel.
func (s *Server) route(p *peer, msg channel.Message, data []byte) {
	s.metrics.observe(msg.Action)

	s.mu.Lock()
	if msg.Token != "" {
		if msg.Action == channel.ActionDeregister {
			delete(p.tokens, msg.Token)
		} else {
			p.tokens[msg.Token] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.fanout(p.channel, p.id, data)

	switch msg.Action {
	case channel.ActionRegister, channel.ActionDeregister:
		s.record(p.channel, msg.Token, msg.Action, false)
	}
}

// fanout queues data for every peer on name except the one with id from.
// A full queue drops the frame for that peer only.
func (s *Server) fanout(name string, from uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.rooms[name] {
		if id == from {
			continue
		}
		select {
		case p.send <- data:
		default:
			s.metrics.dropped.Inc()
			s.logger.Debug("relay: send queue full, dropping frame", "channel", name, "peer", id)
		}
	}
}

// record journals a presence change and pushes it to observers.
func (s *Server) record(name, token string, action channel.Action, synthetic bool) {
	now := time.Now()
	if s.store != nil {
		err := s.store.InsertPresenceEvent(db.PresenceEvent{
			Channel:   name,
			Token:     token,
			Action:    string(action),
			Ts:        now,
			Synthetic: synthetic,
		})
		if err != nil {
			s.logger.Warn("relay: journal write failed", "channel", name, "err", err)
		}
	}

	typ := events.TypeJoined
	if action == channel.ActionDeregister {
		typ = events.TypeLeft
	}
	s.Broadcast(events.Event{
		Type:      typ,
		Channel:   name,
		Token:     token,
		Peers:     s.peerCount(name),
		At:        now,
		Synthetic: synthetic,
	})
}

func (s *Server) peerCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[name])
}

// Channels returns the live channels ordered by name.
func (s *Server) Channels() []ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChannelInfo, 0, len(s.rooms))
	for name, room := range s.rooms {
		info := ChannelInfo{Name: name, Peers: len(room), Tokens: []string{}}
		for _, p := range room {
			for token := range p.tokens {
				info.Tokens = append(info.Tokens, token)
			}
		}
		slices.Sort(info.Tokens)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (s *Server) readLoop(p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("relay: read failed", "channel", p.channel, "peer", p.id, "err", err)
			}
			return
		}
		var msg channel.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Action == "" {
			s.logger.Debug("relay: skipping malformed frame", "channel", p.channel, "peer", p.id)
			continue
		}
		s.route(p, msg, data)
	}
}

// writeLoop is the only writer on p.conn. It drains p.send until leave
// closes it.
func (s *Server) writeLoop(p *peer) {
	defer p.conn.Close()
	failed := false
	for data := range p.send {
		if failed {
			continue
		}
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("relay: write failed", "channel", p.channel, "peer", p.id, "err", err)
			failed = true
			p.conn.Close()
		}
	}
	if !failed {
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	}
}
