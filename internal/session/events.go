package session

// EventKind tells subscribers what changed.
type EventKind int

const (
	StateChanged EventKind = iota
	LineReceived
	ErrorChanged
	// DataReceived carries each raw notification before line framing.
	DataReceived
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state"
	case LineReceived:
		return "line"
	case ErrorChanged:
		return "error"
	case DataReceived:
		return "data"
	}
	return "unknown"
}

// Event is published to subscribers whenever the session changes.
type Event struct {
	Kind  EventKind
	State State  // StateChanged
	Line  string // LineReceived
	Seq   uint64 // LineReceived; numbers lines from 1, see Snapshot.LineSeq
	Err   string // ErrorChanged; empty when the error cleared
	Data  []byte // DataReceived
}

const subscriberBuffer = 64

// Subscribe returns a channel of session events and a func that cancels the
// subscription. A subscriber that falls behind loses events rather than
// blocking the session. The channel is closed by cancel or Close.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.subMu.Lock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropped session event for slow subscriber", "kind", ev.Kind.String())
		}
	}
}
