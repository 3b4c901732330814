// Package web serves a browser control panel for a session. The page is
// embedded in the binary and talks to the server over one WebSocket that
// carries JSON frames in both directions.
package web

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vitaminmoo/rccar/internal/protocol"
	"github.com/vitaminmoo/rccar/internal/session"
)

//go:embed static/index.html
var indexHTML []byte

// Controller is the part of a session the browser drives.
type Controller interface {
	Connect(ctx context.Context) error
	SendCommand(ctx context.Context, code string) error
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Event, func())
}

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second

	// DefaultCommandRate and DefaultCommandBurst bound drive commands per
	// client. Held keys auto-repeat far faster than the UART link drains.
	DefaultCommandRate  = 20
	DefaultCommandBurst = 10
)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        string // ULID
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	limiter   *rate.Limiter
	lineSeq   uint64 // lines up to here came in the snapshot; forward goroutine only
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server bridges browser clients to one session.
type Server struct {
	ctrl           Controller
	addr           string
	connectTimeout time.Duration
	logger         *slog.Logger

	clients  sync.Map // connID (string) -> *clientConn
	register chan *clientConn

	commandRate  rate.Limit
	commandBurst int

	httpSrv   *http.Server
	boundAddr atomic.Value // string

	stopOnce    sync.Once
	stopForward context.CancelFunc
	forwardDone chan struct{}

	// connecting serializes browser-initiated connects.
	connecting atomic.Bool
}

// NewServer creates a server and starts forwarding session events to
// connected clients. connectTimeout bounds browser-initiated connects;
// zero means no limit.
func NewServer(ctrl Controller, addr string, connectTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ctrl:           ctrl,
		addr:           addr,
		connectTimeout: connectTimeout,
		logger:         logger,
		commandRate:    DefaultCommandRate,
		commandBurst:   DefaultCommandBurst,
		register:       make(chan *clientConn),
		forwardDone:    make(chan struct{}),
	}

	events, unsubscribe := ctrl.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	s.stopForward = func() {
		cancel()
		unsubscribe()
	}
	go s.forward(ctx, events)
	return s
}

// SetCommandRate sets the per-client drive command limit for clients that
// connect afterwards. perSecond <= 0 disables limiting. Stop is never
// limited.
func (s *Server) SetCommandRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		s.commandRate = rate.Inf
	} else {
		s.commandRate = rate.Limit(perSecond)
	}
	s.commandBurst = max(burst, 1)
}

// Handler returns the HTTP routes: the page at / and the socket at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.logger.Info("web server started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web serve: %w", err)
	}
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.stopForward()
		<-s.forwardDone

		s.clients.Range(func(key, value any) bool {
			cc := value.(*clientConn)
			cc.close()
			cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
			s.clients.Delete(key)
			return true
		})

		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:      ulid.Make().String(),
		ws:      ws,
		sendCh:  make(chan Frame, clientQueue),
		limiter: rate.NewLimiter(s.commandRate, s.commandBurst),
		done:    make(chan struct{}),
	}
	// The forward goroutine sends the snapshot, so it is always the first
	// frame and later line frames can be checked against it.
	select {
	case s.register <- cc:
	case <-s.forwardDone:
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	s.logger.Info("web client connected", "conn_id", cc.id, "remote", r.RemoteAddr)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("web client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}

		switch frame.Type {
		case FrameTypeConnect:
			go s.connect()
		case FrameTypeCommand:
			s.command(ctx, cc, frame.Code)
		default:
			s.logger.Debug("ignoring frame", "type", frame.Type)
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// connect runs one connect attempt. Progress and failures reach clients
// through the session's own events.
func (s *Server) connect() {
	if !s.connecting.CompareAndSwap(false, true) {
		s.logger.Debug("connect already in progress")
		return
	}
	defer s.connecting.Store(false)

	ctx := context.Background()
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}
	if err := s.ctrl.Connect(ctx); err != nil {
		s.logger.Warn("browser connect failed", "error", err)
	}
}

// command validates and sends one drive command. Unknown codes are
// reported to the sender only.
func (s *Server) command(ctx context.Context, cc *clientConn, code string) {
	cmd, err := protocol.ParseCommand(code)
	if err != nil {
		s.enqueue(cc, Frame{Type: FrameTypeError, Error: err.Error()})
		return
	}
	if cmd != protocol.Stop && !cc.limiter.Allow() {
		s.logger.Debug("web: command rate exceeded", "conn_id", cc.id, "code", cmd)
		return
	}
	if err := s.ctrl.SendCommand(ctx, string(cmd)); err != nil {
		s.logger.Warn("browser command failed", "code", cmd, "error", err)
	}
}

// forward fans session events out to every client.
func (s *Server) forward(ctx context.Context, events <-chan session.Event) {
	defer close(s.forwardDone)
	for {
		select {
		case <-ctx.Done():
			return
		case cc := <-s.register:
			snap := s.ctrl.Snapshot()
			cc.lineSeq = snap.LineSeq
			s.enqueue(cc, Frame{Type: FrameTypeSnapshot, Snapshot: &snap})
			s.clients.Store(cc.id, cc)
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame, ok := eventFrame(ev)
			if !ok {
				continue
			}
			s.clients.Range(func(key, value any) bool {
				cc := value.(*clientConn)
				select {
				case <-cc.done:
					s.clients.Delete(key)
					return true
				default:
				}
				if ev.Kind == session.LineReceived && ev.Seq <= cc.lineSeq {
					return true // already in this client's snapshot
				}
				s.enqueue(cc, frame)
				return true
			})
		}
	}
}

func (s *Server) enqueue(cc *clientConn, frame Frame) {
	select {
	case cc.sendCh <- frame:
	default:
		s.logger.Warn("web: dropped frame for slow client", "conn_id", cc.id, "type", frame.Type)
	}
}
