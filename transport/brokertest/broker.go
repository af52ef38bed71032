// Package brokertest runs an in-process STOMP-over-WebSocket broker for tests.
// It speaks just enough STOMP 1.2 for the chat engine: CONNECT, SUBSCRIBE,
// UNSUBSCRIBE, SEND and DISCONNECT, with MESSAGE fan-out to subscribers.
package brokertest

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// Sent is one SEND frame received from a client
type Sent struct {
	Destination string
	Body        []byte
}

// Broker is a fake message broker backed by an httptest.Server
type Broker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*brokerConn]struct{}
	sent      []Sent
	tokens    []string
	reject    bool
	heartBeat string
	onSend    func(Sent)
	messageID int
}

type brokerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	// subscription id -> destination
	subs map[string]string
}

// New starts a broker; it is closed with the test
func New(tb interface{ Cleanup(func()) }) *Broker {
	b := &Broker{
		conns:     make(map[*brokerConn]struct{}),
		heartBeat: "0,0",
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serveWS))
	tb.Cleanup(b.Close)
	return b
}

// URL returns the ws:// endpoint of the broker
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// Close drops every connection and stops the server
func (b *Broker) Close() {
	b.DropAll()
	b.server.Close()
}

// SetReject makes subsequent CONNECT frames fail with an ERROR frame
func (b *Broker) SetReject(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = reject
}

// SetHeartBeat sets the heart-beat header returned in CONNECTED
func (b *Broker) SetHeartBeat(header string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartBeat = header
}

// OnSend installs a hook called for every SEND frame, after it is recorded
func (b *Broker) OnSend(fn func(Sent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

// Tokens returns the Authorization headers seen on CONNECT, in order
func (b *Broker) Tokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// Sent returns every SEND frame received so far
func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// SentTo returns the bodies sent to one destination
func (b *Broker) SentTo(destination string) []string {
	var out []string
	for _, s := range b.Sent() {
		if s.Destination == destination {
			out = append(out, string(s.Body))
		}
	}
	return out
}

// Connections returns the number of open client connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribed returns the destinations with at least one live subscription
func (b *Broker) Subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for c := range b.conns {
		for _, dest := range c.subs {
			if !seen[dest] {
				seen[dest] = true
				out = append(out, dest)
			}
		}
	}
	return out
}

// IsSubscribed reports whether any client subscribes to destination
func (b *Broker) IsSubscribed(destination string) bool {
	for _, d := range b.Subscribed() {
		if d == destination {
			return true
		}
	}
	return false
}

// Publish delivers body as a MESSAGE frame to every subscriber of destination
func (b *Broker) Publish(destination string, body []byte) {
	type target struct {
		conn *brokerConn
		id   string
	}
	b.mu.Lock()
	var targets []target
	for c := range b.conns {
		for id, dest := range c.subs {
			if dest == destination {
				targets = append(targets, target{c, id})
			}
		}
	}
	b.messageID++
	messageID := strconv.Itoa(b.messageID)
	b.mu.Unlock()

	for _, t := range targets {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, t.id,
			frame.MessageId, messageID,
			frame.ContentType, "application/json",
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		f.Body = body
		t.conn.write(f)
	}
}

// DropAll closes every client connection without a STOMP goodbye, as a
// network failure would.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*brokerConn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{conn: conn, subs: make(map[string]string)}
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reader := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return
			}
			if f == nil {
				continue
			}
			if !b.handle(c, f) {
				return
			}
		}
	}
}

func (b *Broker) handle(c *brokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.mu.Lock()
		b.tokens = append(b.tokens, f.Header.Get("Authorization"))
		reject, heartBeat := b.reject, b.heartBeat
		if !reject {
			b.conns[c] = struct{}{}
		}
		b.mu.Unlock()
		if reject {
			c.write(frame.New(frame.ERROR, frame.Message, "access denied"))
			return false
		}
		c.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, heartBeat))
	case frame.SUBSCRIBE:
		b.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		b.mu.Unlock()
	case frame.SEND:
		sent := Sent{Destination: f.Header.Get(frame.Destination), Body: append([]byte(nil), f.Body...)}
		b.mu.Lock()
		b.sent = append(b.sent, sent)
		hook := b.onSend
		b.mu.Unlock()
		if hook != nil {
			hook(sent)
		}
	case frame.DISCONNECT:
		return false
	}
	return true
}

func (c *brokerConn) write(f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}
