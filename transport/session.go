// Package transport owns the single realtime connection to the message
// broker: STOMP 1.2 frames over a WebSocket, with heartbeats and a fixed-delay
// reconnect loop.
//
// A Session publishes to and subscribes on named destinations. It does not
// remember subscriptions across connections; after a reconnect the caller
// (see package subscriptions) re-establishes whatever it still needs. Message
// history is never re-synced here.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/metrics"
)

// ErrNotConnected is returned by operations that need a live connection
var ErrNotConnected = errors.New("transport: not connected")

const (
	defaultHeartbeat      = 4 * time.Second
	defaultReconnectDelay = 5 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeWait             = 10 * time.Second
)

// Credentials authenticate the STOMP handshake
type Credentials struct {
	// Token is sent as "Authorization: Bearer <token>" on CONNECT
	Token string
}

// Config holds configuration for creating a Session
type Config struct {
	// URL is the broker WebSocket endpoint (ws:// or wss://)
	URL string
	// HeartbeatOutgoing and HeartbeatIncoming are the intervals offered in
	// the CONNECT heart-beat header. Zero means the 4s default; negative
	// disables that direction.
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// ReconnectDelay is the fixed wait before each reconnect attempt
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Message is one MESSAGE frame delivered to a subscription
type Message struct {
	Destination string
	Body        []byte
}

// Handler receives messages of one subscription, in broker order
type Handler func(Message)

// Subscription is a live SUBSCRIBE on the current connection
type Subscription struct {
	session     *Session
	id          string
	destination string
	handler     Handler
	epoch       int

	mu        sync.Mutex
	cancelled bool
}

// Destination returns the subscribed destination
func (s *Subscription) Destination() string {
	return s.destination
}

// Cancel stops delivery and sends UNSUBSCRIBE if the connection that carried
// the subscription is still up. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	s.session.unsubscribe(s)
}

func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if !cancelled {
		s.handler(msg)
	}
}

// Session is the process-wide broker connection. Construct it with
// NewSession, start it with Connect and tear it down with Disconnect.
type Session struct {
	url            string
	host           string
	heartbeatOut   time.Duration
	heartbeatIn    time.Duration
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	clock          clock.Clock
	logger         *zap.Logger

	mu          sync.Mutex
	active      bool
	connected   bool
	credentials Credentials
	conn        *websocket.Conn
	epoch       int
	subs        map[string]*Subscription
	lastRead    time.Time
	timers      []clock.Timer
	reconnect   clock.Timer
	watchers    map[int]func(bool)
	nextWatcher int

	// gorilla connections allow a single concurrent writer
	writeMu sync.Mutex
}

// NewSession creates a disconnected Session
func NewSession(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: URL is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid URL %q: %w", cfg.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("transport: URL %q must use ws or wss", cfg.URL)
	}

	s := &Session{
		url:            cfg.URL,
		host:           parsed.Hostname(),
		heartbeatOut:   orDefault(cfg.HeartbeatOutgoing, defaultHeartbeat),
		heartbeatIn:    orDefault(cfg.HeartbeatIncoming, defaultHeartbeat),
		reconnectDelay: orDefault(cfg.ReconnectDelay, defaultReconnectDelay),
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		logger:         logger.OrNop(cfg.Logger).Named("transport"),
		subs:           make(map[string]*Subscription),
		watchers:       make(map[int]func(bool)),
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}

// Connect opens the connection and keeps it open until Disconnect. Without a
// token it logs and returns nil without connecting; callers check
// IsConnected before publishing. A failed first attempt is returned, and
// retried after the reconnect delay like any later drop.
func (s *Session) Connect(ctx context.Context, credentials Credentials) error {
	if credentials.Token == "" {
		s.logger.Warn("no credential available, not connecting")
		return nil
	}

	s.mu.Lock()
	s.credentials = credentials
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.logger.Warn("connect failed", zap.Error(err))
		s.scheduleReconnect()
		return err
	}
	return nil
}

// Disconnect cancels reconnection, unsubscribes every live subscription,
// sends DISCONNECT and closes the socket. Calling it again is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.active = false
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if !s.connected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	subs := s.takeSubsLocked()
	s.resetLocked()
	epoch := s.epoch
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.cancelled = true
		sub.mu.Unlock()
		if err := s.writeFrame(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id)); err != nil {
			s.logger.Debug("unsubscribe on disconnect failed", zap.String("destination", sub.destination), zap.Error(err))
		}
	}
	if err := s.writeFrame(conn, frame.New(frame.DISCONNECT)); err != nil {
		s.logger.Debug("disconnect frame failed", zap.Error(err))
	}
	conn.Close()

	s.logger.Info("disconnected")
	s.notify(false, epoch)
}

// IsConnected reports whether the session currently holds a live connection
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Watch registers fn to be called on every connected/disconnected transition.
// The returned func removes the watcher.
func (s *Session) Watch(fn func(connected bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Publish sends body to destination. When disconnected it does nothing and
// returns false; showing that to the user is the caller's job.
func (s *Session) Publish(destination string, body []byte) bool {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return false
	}
	conn, epoch := s.conn, s.epoch
	s.mu.Unlock()

	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	if err := s.writeFrame(conn, f); err != nil {
		s.handleDrop(epoch, fmt.Errorf("publish to %s: %w", destination, err))
		return false
	}
	return true
}

// Subscribe starts delivering MESSAGE frames for destination to handler
func (s *Session) Subscribe(destination string, handler Handler) (*Subscription, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub := &Subscription{
		session:     s,
		id:          uuid.NewString(),
		destination: destination,
		handler:     handler,
		epoch:       s.epoch,
	}
	s.subs[sub.id] = sub
	conn, epoch := s.conn, s.epoch
	s.mu.Unlock()

	err := s.writeFrame(conn, frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
	if err != nil {
		s.handleDrop(epoch, fmt.Errorf("subscribe to %s: %w", destination, err))
		return nil, fmt.Errorf("transport: subscribe to %s: %w", destination, err)
	}

	s.logger.Debug("subscribed", zap.String("destination", destination))
	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	if s.subs[sub.id] != sub {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub.id)
	live := s.connected && sub.epoch == s.epoch
	conn := s.conn
	s.mu.Unlock()

	if !live {
		return
	}
	if err := s.writeFrame(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id)); err != nil {
		s.logger.Debug("unsubscribe failed", zap.String("destination", sub.destination), zap.Error(err))
	}
}

func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	token := s.credentials.Token
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", s.url, err)
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, s.host,
		frame.HeartBeat, formatHeartBeat(s.heartbeatOut, s.heartbeatIn),
		"Authorization", "Bearer "+token,
	)
	if err := s.writeFrame(conn, connect); err != nil {
		conn.Close()
		return fmt.Errorf("transport: send CONNECT: %w", err)
	}

	connected, err := awaitConnected(conn)
	if err != nil {
		conn.Close()
		return err
	}
	sendEvery, expectEvery := negotiateHeartBeat(s.heartbeatOut, s.heartbeatIn, connected.Header.Get(frame.HeartBeat))

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport: disconnected during handshake")
	}
	s.epoch++
	epoch := s.epoch
	s.conn = conn
	s.connected = true
	s.lastRead = s.clock.Now()
	if sendEvery > 0 {
		s.scheduleHeartbeatLocked(epoch, sendEvery)
	}
	if expectEvery > 0 {
		s.scheduleLivenessLocked(epoch, expectEvery)
	}
	s.mu.Unlock()

	metrics.Connected.Set(1)
	s.logger.Info("connected",
		zap.String("url", s.url),
		zap.String("token", logger.Redact(token)),
		zap.Duration("heartbeat_send", sendEvery),
		zap.Duration("heartbeat_expect", expectEvery),
	)

	s.notify(true, epoch)
	go s.readLoop(conn, epoch)
	return nil
}

func awaitConnected(conn *websocket.Conn) (*frame.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("transport: set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: awaiting CONNECTED: %w", err)
		}
		frames, err := decodeFrames(data)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				return f, nil
			case frame.ERROR:
				return nil, fmt.Errorf("transport: broker refused connection: %s", f.Header.Get(frame.Message))
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, epoch int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(epoch, err)
			return
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		s.lastRead = s.clock.Now()
		s.mu.Unlock()

		frames, err := decodeFrames(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		for _, f := range frames {
			metrics.FramesReceived.WithLabelValues(f.Command).Inc()
			switch f.Command {
			case frame.MESSAGE:
				s.dispatch(f)
			case frame.ERROR:
				s.handleDrop(epoch, fmt.Errorf("broker error: %s", f.Header.Get(frame.Message)))
				return
			}
		}
	}
}

func (s *Session) dispatch(f *frame.Frame) {
	s.mu.Lock()
	sub := s.subs[f.Header.Get(frame.Subscription)]
	s.mu.Unlock()
	if sub == nil {
		return
	}
	sub.deliver(Message{
		Destination: f.Header.Get(frame.Destination),
		Body:        f.Body,
	})
}

// handleDrop tears down the connection identified by epoch after an
// unexpected failure and schedules a reconnect. Stale epochs are ignored.
func (s *Session) handleDrop(epoch int, cause error) {
	s.mu.Lock()
	if s.epoch != epoch || !s.connected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.takeSubsLocked()
	s.resetLocked()
	current := s.epoch
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn("connection lost", zap.Error(cause))
	s.notify(false, current)
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.connected || s.reconnect != nil {
		return
	}
	s.reconnect = s.clock.AfterFunc(s.reconnectDelay, s.attemptReconnect)
}

func (s *Session) attemptReconnect() {
	s.mu.Lock()
	s.reconnect = nil
	if !s.active || s.connected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := s.dial(ctx); err != nil {
		s.logger.Warn("reconnect failed", zap.Duration("retry_in", s.reconnectDelay), zap.Error(err))
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleHeartbeatLocked(epoch int, every time.Duration) {
	var beat func()
	beat = func() {
		s.mu.Lock()
		if s.epoch != epoch || !s.connected {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.timers = append(s.timers, s.clock.AfterFunc(every, beat))
		s.mu.Unlock()

		if err := s.writeRaw(conn, []byte("\n")); err != nil {
			s.handleDrop(epoch, fmt.Errorf("heartbeat: %w", err))
		}
	}
	s.timers = append(s.timers, s.clock.AfterFunc(every, beat))
}

// scheduleLivenessLocked drops the connection when nothing has been read for
// two server heartbeat intervals.
func (s *Session) scheduleLivenessLocked(epoch int, every time.Duration) {
	var check func()
	check = func() {
		s.mu.Lock()
		if s.epoch != epoch || !s.connected {
			s.mu.Unlock()
			return
		}
		silent := s.clock.Now().Sub(s.lastRead)
		if silent <= 2*every {
			s.timers = append(s.timers, s.clock.AfterFunc(every, check))
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.handleDrop(epoch, fmt.Errorf("no heartbeat from broker for %s", silent))
	}
	s.timers = append(s.timers, s.clock.AfterFunc(every, check))
}

func (s *Session) takeSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*Subscription)
	return subs
}

func (s *Session) resetLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.connected = false
	s.conn = nil
	s.epoch++
	metrics.Connected.Set(0)
}

// notify reports the state entered at epoch. Every transition bumps the
// epoch, so once a newer transition happened the rest of this delivery is
// skipped and watchers never see a superseded state last.
func (s *Session) notify(connected bool, epoch int) {
	s.mu.Lock()
	watchers := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		s.mu.Lock()
		current := s.epoch == epoch
		s.mu.Unlock()
		if !current {
			return
		}
		fn(connected)
	}
}

func (s *Session) writeFrame(conn *websocket.Conn, f *frame.Frame) error {
	if len(f.Body) > 0 {
		f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return s.writeRaw(conn, buf.Bytes())
}

func (s *Session) writeRaw(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// decodeFrames splits one WebSocket message into STOMP frames, skipping
// heartbeat newlines.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	reader := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("transport: decode frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func formatHeartBeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// negotiateHeartBeat applies the STOMP 1.2 rules: each direction uses the
// larger of what one side offers and the other wants, and is off if either
// side says zero.
func negotiateHeartBeat(clientOut, clientIn time.Duration, serverHeader string) (send, expect time.Duration) {
	serverOut, serverIn := parseHeartBeat(serverHeader)
	if clientOut > 0 && serverIn > 0 {
		send = max(clientOut, serverIn)
	}
	if clientIn > 0 && serverOut > 0 {
		expect = max(clientIn, serverOut)
	}
	return send, expect
}

func parseHeartBeat(header string) (out, in time.Duration) {
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	cx, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	cy, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil || cx < 0 || cy < 0 {
		return 0, 0
	}
	return time.Duration(cx) * time.Millisecond, time.Duration(cy) * time.Millisecond
}
