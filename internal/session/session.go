// Package session implements the connection manager for one vehicle link.
//
// A Session drives discovery, GATT connect, service and characteristic
// resolution and the notification subscription, then mediates traffic:
// outbound drive commands and inbound text lines. Platform callbacks only
// enqueue onto channels; a single goroutine applies them to the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vitaminmoo/rccar/internal/ble"
	"github.com/vitaminmoo/rccar/internal/config"
	"github.com/vitaminmoo/rccar/internal/protocol"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

// ErrLinkLost is returned by Connect when the device drops before setup
// finishes.
var ErrLinkLost = errors.New("link lost during setup")

// Options configures a Session.
type Options struct {
	Filter             ble.Filter
	CharacteristicUUID string
	HistoryLimit       int
	Logger             *slog.Logger
}

// DefaultOptions targets the HM-10 style UART service.
func DefaultOptions() Options {
	return Options{
		Filter:             ble.Filter{ServiceUUID: ble.UARTServiceUUID},
		CharacteristicUUID: ble.UARTCharUUID,
		HistoryLimit:       protocol.DefaultHistoryLimit,
	}
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	svc, err := ble.NormalizeUUID(cfg.Device.ServiceUUID)
	if err != nil {
		return Options{}, fmt.Errorf("device.service_uuid: %w", err)
	}
	char, err := ble.NormalizeUUID(cfg.Device.CharacteristicUUID)
	if err != nil {
		return Options{}, fmt.Errorf("device.characteristic_uuid: %w", err)
	}
	return Options{
		Filter:             ble.Filter{ServiceUUID: svc, NamePrefix: cfg.Device.NamePrefix},
		CharacteristicUUID: char,
		HistoryLimit:       cfg.HistoryLimit,
		Logger:             logger,
	}, nil
}

type notification struct {
	char ble.Characteristic
	data []byte
}

// Session owns one peripheral link.
type Session struct {
	adapter ble.Adapter
	opts    Options
	logger  *slog.Logger
	lines   *protocol.LineBuffer

	// connectMu serializes Connect calls.
	connectMu sync.Mutex

	mu               sync.Mutex
	state            State
	errMsg           string
	device           ble.Device
	char             ble.Characteristic
	detachDisconnect func()
	detachValue      func()
	closed           bool

	notifications chan notification
	disconnects   chan ble.Device
	loopCtx       context.Context
	cancelLoop    context.CancelFunc
	done          chan struct{}
	loopDone      chan struct{}
	closeOnce     sync.Once

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a Session and starts its event loop. Call Close to stop it.
func New(adapter ble.Adapter, opts Options) *Session {
	if opts.Filter.ServiceUUID == "" {
		opts.Filter.ServiceUUID = ble.UARTServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = ble.UARTCharUUID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	s := &Session{
		adapter:       adapter,
		opts:          opts,
		logger:        logger,
		lines:         protocol.NewLineBuffer(opts.HistoryLimit),
		notifications: make(chan notification, 64),
		disconnects:   make(chan ble.Device, 4),
		loopCtx:       loopCtx,
		cancelLoop:    cancelLoop,
		done:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		subs:          make(map[int]chan Event),
	}
	go s.loop()
	return s
}

// Connect brings the link up. If the held device is still connected and a
// characteristic is held, it only re-arms notifications. Otherwise it runs
// the full discovery sequence. On failure the platform error text becomes
// the session's error message and the state stays where it got to.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	dev, char := s.device, s.char
	s.mu.Unlock()

	if dev != nil && dev.Connected() && char != nil {
		config.Debugf("Already connected to %s, re-arming notifications", dev.ID())
		if err := s.startNotifications(ctx, char); err != nil {
			return s.fail("start notifications", err)
		}
		return nil
	}

	s.logger.Info("connecting", "service", s.opts.Filter.ServiceUUID)

	if err := s.adapter.Enable(); err != nil {
		return s.fail("enable adapter", err)
	}

	dev, err := s.adapter.RequestDevice(ctx, s.opts.Filter)
	if err != nil {
		return s.fail("request device", err)
	}
	if err := s.adoptDevice(dev); err != nil {
		return err
	}
	s.logger.Info("device found", "id", dev.ID(), "name", dev.Name())

	server, err := dev.ConnectGATT(ctx)
	if err != nil {
		return s.fail("connect gatt", err)
	}
	if !s.setState(ServerFound) {
		return s.fail("connect gatt", ErrLinkLost)
	}

	svc, err := server.PrimaryService(ctx, s.opts.Filter.ServiceUUID)
	if err != nil {
		return s.fail("resolve service "+s.opts.Filter.ServiceUUID, err)
	}
	if !s.setState(ServiceFound) {
		return s.fail("resolve service "+s.opts.Filter.ServiceUUID, ErrLinkLost)
	}

	char, err = svc.Characteristic(ctx, s.opts.CharacteristicUUID)
	if err != nil {
		return s.fail("resolve characteristic "+s.opts.CharacteristicUUID, err)
	}
	if err := s.adoptCharacteristic(char); err != nil {
		if errors.Is(err, ErrLinkLost) {
			return s.fail("resolve characteristic "+s.opts.CharacteristicUUID, err)
		}
		return err
	}

	if err := s.startNotifications(ctx, char); err != nil {
		return s.fail("start notifications", err)
	}
	s.setError("")
	s.logger.Info("connected", "id", dev.ID(), "name", dev.Name())
	return nil
}

// SendCommand writes code followed by CRLF. It does nothing when code is
// empty or no characteristic is held. Write failures become the session's
// error message.
func (s *Session) SendCommand(ctx context.Context, code string) error {
	s.mu.Lock()
	char, closed := s.char, s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if code == "" || char == nil {
		return nil
	}

	config.Debugf("Sending %q", code)
	if err := char.Write(ctx, protocol.Encode(code)); err != nil {
		s.logger.Warn("write failed", "code", code, "error", err)
		s.setError(err.Error())
		return fmt.Errorf("send %q: %w", code, err)
	}
	return nil
}

// Send writes one drive command.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) error {
	return s.SendCommand(ctx, string(cmd))
}

// Close detaches the listeners from the held device and characteristic
// and stops the event loop. Subscriber channels are closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.detachLocked()
		s.mu.Unlock()

		s.cancelLoop()
		close(s.done)
		<-s.loopDone

		s.subMu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	})
	return nil
}

// Disconnect closes the session and drops the GATT connection.
func (s *Session) Disconnect() error {
	s.Close()

	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()
	if dev == nil || !dev.Connected() {
		return nil
	}
	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", dev.ID(), err)
	}
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the user-visible error message, empty when there is none.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Lines returns the completed inbound lines, oldest first.
func (s *Session) Lines() []string {
	return s.lines.History()
}

// Pending returns inbound text not yet terminated by a newline.
func (s *Session) Pending() string {
	return s.lines.Pending()
}

// Device returns the held device handle, or nil.
func (s *Session) Device() ble.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Snapshot is a point-in-time copy of everything a UI renders.
type Snapshot struct {
	State      State    `json:"state"`
	Err        string   `json:"error,omitempty"`
	Lines      []string `json:"lines"`
	LineSeq    uint64   `json:"line_seq"` // Seq of the last entry in Lines
	Pending    string   `json:"pending,omitempty"`
	DeviceID   string   `json:"device_id,omitempty"`
	DeviceName string   `json:"device_name,omitempty"`
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{State: s.state, Err: s.errMsg}
	if s.device != nil {
		snap.DeviceID = s.device.ID()
		snap.DeviceName = s.device.Name()
	}
	s.mu.Unlock()
	snap.Lines, snap.Pending, snap.LineSeq = s.lines.View()
	return snap
}

// adoptDevice makes dev the held device, replacing any earlier one and its
// listeners, and moves to DeviceFound.
func (s *Session) adoptDevice(dev ble.Device) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.detachLocked()
	s.device = dev
	s.char = nil
	s.detachDisconnect = dev.OnDisconnect(func() {
		select {
		case s.disconnects <- dev:
		case <-s.done:
		}
	})
	s.mu.Unlock()

	s.setState(DeviceFound)
	return nil
}

func (s *Session) adoptCharacteristic(char ble.Characteristic) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.detachValue != nil {
		s.detachValue()
	}
	s.char = char
	s.detachValue = char.OnValueChanged(func(data []byte) {
		select {
		case s.notifications <- notification{char: char, data: data}:
		case <-s.done:
		}
	})
	s.mu.Unlock()

	if !s.setState(CharacteristicFound) {
		return ErrLinkLost
	}
	return nil
}

// detachLocked removes both listeners. Caller holds s.mu.
func (s *Session) detachLocked() {
	if s.detachValue != nil {
		s.detachValue()
		s.detachValue = nil
	}
	if s.detachDisconnect != nil {
		s.detachDisconnect()
		s.detachDisconnect = nil
	}
}

func (s *Session) startNotifications(ctx context.Context, char ble.Characteristic) error {
	config.Debugf("Starting notifications...")
	if err := char.StartNotifications(ctx); err != nil {
		return err
	}
	s.setState(Connected)
	config.Debugf("Notifications started!")
	return nil
}

// fail records err as the user-visible message and wraps it with step.
func (s *Session) fail(step string, err error) error {
	s.logger.Error("connect failed", "step", step, "error", err)
	s.setError(err.Error())
	return fmt.Errorf("%s: %w", step, err)
}

// setState applies a transition if CanTransition allows it.
func (s *Session) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		s.logger.Debug("rejected state transition", "from", from.String(), "to", to.String())
		return false
	}
	s.state = to
	s.mu.Unlock()

	if from != to {
		config.Debugf("State %s -> %s", from, to)
		s.publish(Event{Kind: StateChanged, State: to})
	}
	return true
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	changed := s.errMsg != msg
	s.errMsg = msg
	s.mu.Unlock()
	if changed {
		s.publish(Event{Kind: ErrorChanged, Err: msg})
	}
}

// loop applies platform events one at a time.
func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case n := <-s.notifications:
			s.handleNotification(n)
		case dev := <-s.disconnects:
			s.handleDisconnect(dev)
		}
	}
}

func (s *Session) handleNotification(n notification) {
	s.mu.Lock()
	current := s.char == n.char
	s.mu.Unlock()
	if !current {
		return
	}
	s.publish(Event{Kind: DataReceived, Data: n.data})
	lines := s.lines.Feed(n.data)
	// Feed only runs on this goroutine.
	seq := s.lines.Received() - uint64(len(lines))
	for _, line := range lines {
		seq++
		s.logger.Debug("line received", "line", line, "seq", seq)
		s.publish(Event{Kind: LineReceived, Line: line, Seq: seq})
	}
}

// handleDisconnect marks the link down and, if a characteristic is held,
// tries once to re-arm notifications on it.
func (s *Session) handleDisconnect(dev ble.Device) {
	s.mu.Lock()
	if s.device != dev {
		s.mu.Unlock()
		return
	}
	char := s.char
	s.mu.Unlock()

	s.logger.Warn("device disconnected, trying to resubscribe", "id", dev.ID(), "name", dev.Name())
	s.setState(Disconnected)

	if char == nil {
		return
	}
	if err := s.startNotifications(s.loopCtx, char); err != nil {
		s.logger.Warn("resubscribe failed", "error", err)
	}
}
