package mockbackend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/realtime"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/realtime/sio"
)

const (
	eventLeaveTenant = "leave_tenant"
	writeWait        = 5 * time.Second
)

// hub is the Socket.IO side of the backend. Each peer joins at most one tenant room.
type hub struct {
	b        *Backend
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	sid  string
	conn *websocket.Conn

	writeMu sync.Mutex

	// guarded by hub.mu
	id     identity
	authed bool
	room   string
}

func newHub(b *Backend) *hub {
	return &hub{
		b:        b,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:    make(map[*peer]struct{}),
	}
}

func (p *peer) write(msg []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.b.logger.Warn("mockbackend: websocket upgrade failed", "error", err)
		return
	}
	p := &peer{sid: uuid.New().String(), conn: conn}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		conn.Close()
	}()

	interval := h.b.pingInterval
	open, err := sio.EncodeOpen(sio.OpenPayload{
		SID:          p.sid,
		Upgrades:     []string{},
		PingInterval: int(interval / time.Millisecond),
		PingTimeout:  int(20 * time.Second / time.Millisecond),
		MaxPayload:   1 << 20,
	})
	if err != nil || p.write(open) != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if p.write([]byte{sio.Ping}) != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := sio.Parse(msg)
		if err != nil {
			continue
		}
		switch pkt.Type {
		case sio.Close:
			return
		case sio.Message:
			if !h.handleMessage(p, pkt) {
				return
			}
		}
	}
}

// handleMessage processes one Socket.IO packet and reports whether the connection stays open.
func (h *hub) handleMessage(p *peer, pkt sio.Packet) bool {
	switch pkt.SIO {
	case sio.Connect:
		var auth struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(pkt.Data, &auth)
		id, ok := h.b.authenticate(auth.Token)
		if !ok {
			msg, _ := sio.EncodeConnectError("invalid token")
			_ = p.write(msg)
			return false
		}
		h.mu.Lock()
		p.id, p.authed = id, true
		h.mu.Unlock()
		msg, _ := sio.EncodeConnect(map[string]string{"sid": p.sid})
		return p.write(msg) == nil

	case sio.Disconnect:
		return false

	case sio.Event:
		name, args, err := pkt.EventArgs()
		if err != nil {
			return true
		}
		switch name {
		case realtime.EventJoinTenant:
			return h.join(p, pkt.AckID, args)
		case eventLeaveTenant:
			h.mu.Lock()
			p.room = ""
			h.mu.Unlock()
			if pkt.AckID >= 0 {
				msg, _ := sio.EncodeAck(pkt.AckID, map[string]bool{"success": true})
				return p.write(msg) == nil
			}
		}
	}
	return true
}

// join puts p in the requested tenant room. The tenant must be the one of the connection's token.
func (h *hub) join(p *peer, ackID int, args []json.RawMessage) bool {
	var req struct {
		TenantID string `json:"tenant_id"`
		Token    string `json:"token"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &req)
	}
	h.mu.Lock()
	id, authed := p.id, p.authed
	h.mu.Unlock()
	if req.Token != "" {
		id, authed = h.b.authenticate(req.Token)
	}

	reply := func(v any) bool {
		if ackID < 0 {
			return true
		}
		msg, err := sio.EncodeAck(ackID, v)
		return err == nil && p.write(msg) == nil
	}
	if !authed || req.TenantID == "" || req.TenantID != id.TenantID {
		return reply(map[string]any{"success": false, "error": "not allowed to join tenant"})
	}

	room := "tenant:" + req.TenantID
	h.mu.Lock()
	p.room = room
	h.mu.Unlock()
	h.b.logger.Debug("mockbackend: realtime join", "sid", p.sid, "room", room, "user_id", id.UserID)
	if !reply(map[string]any{"success": true, "room": room}) {
		return false
	}
	msg, err := sio.EncodeEvent(-1, realtime.EventJoined, map[string]string{"room": room})
	return err == nil && p.write(msg) == nil
}

// broadcast sends the event to every peer in tenantID's room.
func (h *hub) broadcast(tenantID, name string, payload any) {
	msg, err := sio.EncodeEvent(-1, name, payload)
	if err != nil {
		h.b.logger.Error("mockbackend: encode realtime event", "event", name, "error", err)
		return
	}
	room := "tenant:" + tenantID
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p.room == room {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()
	for _, p := range targets {
		if err := p.write(msg); err != nil {
			_ = p.conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}
