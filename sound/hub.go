// Package sound serves the overlay websocket. Browser sources connect to it and
// receive sound cues, audio data and text-to-speech events as JSON frames of the
// form {"event": ..., "data": ...}.
package sound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-copilot/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Event is one frame sent to overlay clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Cue tells clients to play a cached sound.
type Cue struct {
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	Volume     float64    `json:"volume"`
	PitchRange [2]float64 `json:"pitchRange"`
}

// Audio carries a sound's bytes so clients can cache it.
type Audio struct {
	Name  string `json:"name"`
	Audio string `json:"audio"`
}

// Speech asks the overlay to narrate text.
type Speech struct {
	Voice string `json:"voice"`
	Text  string `json:"text"`
	Rate  int    `json:"rate"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected overlay.
type Hub struct {
	lib      *Library
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub; lib may be nil when no sound directory is configured.
func NewHub(lib *Library) *Hub {
	return &Hub{
		lib: lib,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run services registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			telemetry.SetSoundClients(0)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			telemetry.SetSoundClients(n)
			slog.Info("overlay client connected", slog.String("client_id", c.id), slog.Int("clients", n), slog.String("component", "sound"))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			telemetry.SetSoundClients(n)
			slog.Info("overlay client disconnected", slog.String("client_id", c.id), slog.Int("clients", n), slog.String("component", "sound"))
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow client
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected overlays.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every client. It drops the event when the queue
// is full.
func (h *Hub) Broadcast(event string, data any) {
	b, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal overlay event failed", slog.String("event", event), slog.Any("err", err), slog.String("component", "sound"))
		return
	}
	select {
	case h.broadcast <- b:
	default:
		slog.Warn("overlay broadcast queue full, event dropped", slog.String("event", event), slog.String("component", "sound"))
	}
}

// Play broadcasts a cue at normal pitch.
func (h *Hub) Play(name string, volume float64) {
	h.PlayPitched(name, volume, [2]float64{1, 1})
}

// PlayPitched broadcasts a cue whose pitch clients randomize within pitch.
func (h *Hub) PlayPitched(name string, volume float64, pitch [2]float64) {
	cue := Cue{Name: name, Volume: volume, PitchRange: pitch}
	if h.lib != nil {
		s, err := h.lib.Get(name)
		if err != nil {
			slog.Warn("sound cue unavailable", slog.String("cue", name), slog.Any("err", err), slog.String("component", "sound"))
			return
		}
		cue.Name, cue.Type = s.Name, s.Type
	}
	h.Broadcast("sound", cue)
}

// Speak broadcasts a narration request.
func (h *Hub) Speak(voice, text string, rate int) {
	h.Broadcast("tts", Speech{Voice: voice, Text: text, Rate: rate})
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("overlay upgrade failed", slog.Any("err", err), slog.String("component", "sound"))
		return
	}
	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{id: id, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump answers audio requests; a client sends a bare cue name to receive
// its bytes.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("overlay read error", slog.String("client_id", c.id), slog.Any("err", err), slog.String("component", "sound"))
			}
			return
		}
		h.sendAudio(string(msg))
	}
}

func (h *Hub) sendAudio(name string) {
	if h.lib == nil {
		return
	}
	s, err := h.lib.Get(name)
	if err != nil {
		slog.Debug("requested sound missing", slog.String("cue", name), slog.String("component", "sound"))
		return
	}
	h.Broadcast("data", Audio{Name: s.Name, Audio: base64.StdEncoding.EncodeToString(s.Data)})
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
