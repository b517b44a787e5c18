package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event types sent on the status stream.
const (
	EventLog         = "log"
	EventState       = "state"
	EventProgress    = "progress"
	EventCalibration = "calibration"
	EventPoint       = "point"
	EventError       = "error"
)

// StatusEvent is one message of the SSE stream. Log lines carry Level and
// Msg; guider events carry Data.
type StatusEvent struct {
	Time  string          `json:"t"`
	Type  string          `json:"type"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster distributes events to every SSE client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel of JSON encoded events and the function
// that unsubscribes and closes it.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = b.now().Format(time.RFC3339Nano)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// slow client, drop
		}
	}
}

// Broadcast sends a log line.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Type: EventLog, Level: level, Msg: msg})
}

// Publish sends a guider event with v encoded as its data.
func (b *StatusBroadcaster) Publish(typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.Broadcast("error", "encode "+typ+": "+err.Error())
		return
	}
	b.send(StatusEvent{Type: typ, Data: data})
}

// BroadcastWriter turns every write into a log event, so that the debug
// output can be teed into the stream.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.Broadcast(levelOf(msg), msg)
		}
	}
	return len(p), nil
}

// levelOf extracts the level from a console encoded log line.
func levelOf(line string) string {
	for _, l := range []string{"ERROR", "WARN", "DEBUG"} {
		if strings.Contains(line, "\t"+l+"\t") {
			return strings.ToLower(l)
		}
	}
	return "info"
}
