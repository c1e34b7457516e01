package scharge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Logger is the narrow logging interface the session needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Defaults for the charger-facing protocol.
const (
	// chargerUDPPort is the fixed port the charger listens on for
	// discovery handshakes; also the source port it expects them from.
	chargerUDPPort = 3050

	defaultUDPHandshakeInterval = 1900 * time.Millisecond
	defaultKeepAliveInterval    = 7 * time.Second
	defaultConfirmationTimeout  = 5 * time.Second
	defaultRetryInterval        = 3 * time.Second
	defaultMaxRetries           = 5
	defaultInitWaitInterval     = time.Second
	defaultInitWaitRetries      = 5
	defaultCurrentTolerance     = 1.0
)

// Timing bundles the protocol intervals and retry limits. Production
// uses DefaultTiming; tests shrink the intervals.
type Timing struct {
	// UDPHandshakeInterval spaces discovery broadcasts and doubles as
	// the advertised handshake validity window.
	UDPHandshakeInterval time.Duration

	// KeepAliveInterval spaces WebSocket HandShake messages.
	KeepAliveInterval time.Duration

	// ConfirmationTimeout bounds the wait for a command ack.
	ConfirmationTimeout time.Duration

	// RetryInterval and MaxRetries govern command convergence retries.
	RetryInterval time.Duration
	MaxRetries    int

	// InitWaitInterval and InitWaitRetries govern the wait for a first
	// current reading before a command is attempted.
	InitWaitInterval time.Duration
	InitWaitRetries  int

	// CurrentTolerance is the acceptable gap in amperes between the
	// requested and the measured charge current.
	CurrentTolerance float64
}

// DefaultTiming returns the production protocol timing.
func DefaultTiming() Timing {
	return Timing{
		UDPHandshakeInterval: defaultUDPHandshakeInterval,
		KeepAliveInterval:    defaultKeepAliveInterval,
		ConfirmationTimeout:  defaultConfirmationTimeout,
		RetryInterval:        defaultRetryInterval,
		MaxRetries:           defaultMaxRetries,
		InitWaitInterval:     defaultInitWaitInterval,
		InitWaitRetries:      defaultInitWaitRetries,
		CurrentTolerance:     defaultCurrentTolerance,
	}
}

// SessionOptions configures a charger session.
type SessionOptions struct {
	// Serial is the charge box serial number; frames for any other
	// serial are ignored.
	Serial string

	// ListenIP is the local IPv4 address advertised to the charger and
	// bound by the WebSocket listener.
	ListenIP string

	// ListenPort is the WebSocket listener port; 0 binds an ephemeral
	// port.
	ListenPort int

	// UserID and ConnectionKey authenticate outbound messages.
	UserID        int
	ConnectionKey string

	Timing Timing
	State  *State
	Logger Logger
}

// Session owns the connection lifecycle for one charger: UDP discovery
// broadcasts until the charger dials in over WebSocket, then the read
// pump, keep-alives, and command correlation. A session accepts exactly
// one charger connection; when it drops, Run returns and the supervisor
// decides whether to restart.
type Session struct {
	serial        string
	listenIP      string
	listenPort    int
	userID        int
	connectionKey string
	timing        Timing
	state         *State
	logger        Logger

	// udpSourceAddr and broadcastAddr are fixed by the charger firmware
	// in production; tests point them at loopback.
	udpSourceAddr string
	broadcastAddr string

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan bool

	ready         chan struct{}
	boundPort     int
	connected     chan struct{}
	connectedOnce sync.Once
	disconnected  chan error
}

// NewSession validates opts and creates a session. Run starts it.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Serial == "" {
		return nil, errors.New("scharge: serial is required")
	}
	if opts.ListenIP == "" {
		return nil, errors.New("scharge: listen IP is required")
	}
	if opts.State == nil {
		return nil, errors.New("scharge: state is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("scharge: logger is required")
	}
	t := opts.Timing
	if t == (Timing{}) {
		t = DefaultTiming()
	}

	broadcast, err := broadcastFor(opts.ListenIP)
	if err != nil {
		return nil, err
	}

	return &Session{
		serial:        opts.Serial,
		listenIP:      opts.ListenIP,
		listenPort:    opts.ListenPort,
		userID:        opts.UserID,
		connectionKey: opts.ConnectionKey,
		timing:        t,
		state:         opts.State,
		logger:        opts.Logger,
		udpSourceAddr: fmt.Sprintf(":%d", chargerUDPPort),
		broadcastAddr: broadcast,
		pending:       make(map[string]chan bool),
		ready:         make(chan struct{}),
		connected:     make(chan struct{}),
		disconnected:  make(chan error, 1),
	}, nil
}

// broadcastFor derives the /24 broadcast address the charger listens
// on from the local listen IP.
func broadcastFor(listenIP string) (string, error) {
	ip := net.ParseIP(listenIP)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("scharge: listen IP %q is not an IPv4 address", listenIP)
	}
	v4 := ip.To4()
	return fmt.Sprintf("%d.%d.%d.255:%d", v4[0], v4[1], v4[2], chargerUDPPort), nil
}

// Ready is closed once the WebSocket listener is bound; Port is valid
// after that.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Port returns the bound WebSocket listener port.
func (s *Session) Port() int { return s.boundPort }

// Connected is closed when the charger's WebSocket connection is
// established.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// Run drives the session until ctx is cancelled (returns nil) or the
// charger connection fails (returns the transport error). Order: bind
// the WebSocket listener first so discovery never advertises a port
// nobody answers on, then broadcast until the charger connects, then
// keep the link alive.
func (s *Session) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.listenIP, strconv.Itoa(s.listenPort))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("scharge: listen on %s: %w", addr, err)
	}
	s.boundPort = ln.Addr().(*net.TCPAddr).Port
	close(s.ready)
	s.logger.Info("websocket listener bound",
		"address", s.listenIP,
		"port", s.boundPort)

	server := &http.Server{Handler: http.HandlerFunc(s.handleWS)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("scharge: websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.discoveryLoop(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-s.connected:
			return s.keepAliveLoop(ctx)
		}
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.disconnected:
			return err
		}
	})

	err = g.Wait()
	if c := s.currentConn(); c != nil {
		c.Close()
	}
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The charger sends no Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the charger's inbound connection and runs the read
// pump on it. Only the first connection is accepted; the charger does
// not multiplex and a second dial-in would be another device or a
// misconfiguration.
func (s *Session) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	if !s.adoptConn(conn) {
		s.logger.Warn("rejecting second websocket connection",
			"remote", r.RemoteAddr)
		conn.Close()
		return
	}

	s.logger.Info("charger connected",
		"remote", r.RemoteAddr)
	s.connectedOnce.Do(func() { close(s.connected) })

	err = s.readPump(conn)
	s.dropConn(conn)
	if err != nil {
		select {
		case s.disconnected <- fmt.Errorf("scharge: charger connection lost: %w", err):
		default:
		}
	}
}

func (s *Session) adoptConn(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) dropConn(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	conn.Close()
}

func (s *Session) currentConn() *websocket.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// IsConnected reports whether the charger WebSocket link is up.
func (s *Session) IsConnected() bool { return s.currentConn() != nil }

// readPump reads frames until the connection fails.
func (s *Session) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(data)
	}
}

// handleFrame processes one inbound frame: validate, gate on serial,
// resolve acks, acknowledge and apply action messages. The ack goes out
// off the pump goroutine, and is scheduled before the message is fed to
// the state model.
func (s *Session) handleFrame(data []byte) {
	frame, err := Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame",
			"error", err)
		return
	}
	if frame.Serial != s.serial {
		s.logger.Info("ignoring frame for different charge box",
			"got", frame.Serial,
			"want", s.serial)
		return
	}

	if frame.Ack != nil {
		s.resolveConfirmation(frame.Ack.UniqueID, frame.Ack.Result)
		return
	}

	go s.sendAck(frame.UniqueID)

	if frame.Msg == nil {
		s.logger.Debug("acknowledged unknown action",
			"unique_id", frame.UniqueID)
		return
	}
	if err := s.state.Apply(frame.Msg); err != nil {
		s.logger.Warn("state update failed",
			"action", frame.Msg.Action,
			"error", err)
		return
	}
	s.logger.Debug("state updated",
		"action", frame.Msg.Action)
}

func (s *Session) sendAck(uniqueID string) {
	data, err := (Ack{UniqueID: uniqueID, ChargeBoxSN: s.serial}).Encode()
	if err != nil {
		s.logger.Error("encoding ack failed",
			"error", err)
		return
	}
	if err := s.send(data); err != nil {
		s.logger.Warn("sending ack failed",
			"unique_id", uniqueID,
			"error", err)
	}
}

// send writes one frame to the charger. Writes are serialized; gorilla
// connections do not support concurrent writers.
func (s *Session) send(data []byte) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// discoveryLoop broadcasts UDPHandShake invitations on the local /24
// until the charger connects. The source socket binds the charger's
// fixed UDP port with SO_BROADCAST; the firmware ignores handshakes
// from any other source port.
func (s *Session) discoveryLoop(ctx context.Context) error {
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", s.udpSourceAddr)
	if err != nil {
		return fmt.Errorf("scharge: udp discovery socket: %w", err)
	}
	defer pc.Close()

	dst, err := net.ResolveUDPAddr("udp4", s.broadcastAddr)
	if err != nil {
		return fmt.Errorf("scharge: broadcast address: %w", err)
	}

	s.logger.Info("starting UDP discovery",
		"broadcast", s.broadcastAddr,
		"interval", s.timing.UDPHandshakeInterval)

	for {
		if s.IsConnected() {
			s.logger.Info("charger connected, stopping UDP discovery")
			return nil
		}

		msg := UDPHandShake{
			Deadline:    time.Now().Add(s.timing.UDPHandshakeInterval),
			ChargeBoxSN: s.serial,
			IPAddress:   s.listenIP,
			Port:        s.boundPort,
		}
		data, err := msg.Encode()
		if err != nil {
			return fmt.Errorf("scharge: encoding UDP handshake: %w", err)
		}
		if _, err := pc.WriteTo(data, dst); err != nil {
			s.logger.Warn("UDP handshake broadcast failed",
				"error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.connected:
			s.logger.Info("charger connected, stopping UDP discovery")
			return nil
		case <-time.After(s.timing.UDPHandshakeInterval):
		}
	}
}

// enableBroadcast sets SO_BROADCAST before bind; Linux refuses
// broadcast sends without it.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// keepAliveLoop sends a HandShake immediately and then on every
// interval. The charger drops links that go quiet.
func (s *Session) keepAliveLoop(ctx context.Context) error {
	for {
		msg := HandShake{
			Time:          time.Now(),
			UserID:        s.userID,
			ChargeBoxSN:   s.serial,
			ConnectionKey: s.connectionKey,
		}
		data, err := msg.Encode()
		if err != nil {
			return fmt.Errorf("scharge: encoding keep-alive: %w", err)
		}
		if err := s.send(data); err != nil {
			s.logger.Warn("keep-alive send failed",
				"error", err)
		} else {
			s.logger.Debug("keep-alive sent")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.timing.KeepAliveInterval):
		}
	}
}

// registerConfirmation creates the resolution channel for an outbound
// uniqueId. The channel is buffered so a late resolve never blocks the
// pump.
func (s *Session) registerConfirmation(uniqueID string) chan bool {
	ch := make(chan bool, 1)
	s.pendingMu.Lock()
	s.pending[uniqueID] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Session) removeConfirmation(uniqueID string) {
	s.pendingMu.Lock()
	delete(s.pending, uniqueID)
	s.pendingMu.Unlock()
}

// resolveConfirmation delivers an inbound ack to its waiter. Acks with
// no waiter (duplicates, or replies after the deadline) are dropped.
func (s *Session) resolveConfirmation(uniqueID string, result bool) {
	s.pendingMu.Lock()
	ch, ok := s.pending[uniqueID]
	if ok {
		delete(s.pending, uniqueID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("dropping unexpected ack",
			"unique_id", uniqueID)
		return
	}
	ch <- result
}

// awaitConfirmation blocks until the ack arrives, the confirmation
// deadline passes, or ctx is cancelled.
func (s *Session) awaitConfirmation(ctx context.Context, uniqueID string, ch chan bool) (bool, error) {
	select {
	case result := <-ch:
		return result, nil
	case <-time.After(s.timing.ConfirmationTimeout):
		s.removeConfirmation(uniqueID)
		return false, ErrConfirmationTimeout
	case <-ctx.Done():
		s.removeConfirmation(uniqueID)
		return false, ctx.Err()
	}
}
