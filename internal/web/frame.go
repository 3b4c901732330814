package web

import "github.com/vitaminmoo/rccar/internal/session"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// client -> server
	FrameTypeConnect FrameType = "connect"
	FrameTypeCommand FrameType = "command"

	// server -> client
	FrameTypeState    FrameType = "state"
	FrameTypeLine     FrameType = "line"
	FrameTypeError    FrameType = "error"
	FrameTypeSnapshot FrameType = "snapshot"
)

// Frame is the envelope exchanged between browser and server over WebSocket.
type Frame struct {
	Type     FrameType         `json:"type"`
	Code     string            `json:"code,omitempty"`     // command only
	State    string            `json:"state,omitempty"`    // state only
	Line     string            `json:"line"`               // line only; kept when empty
	Error    string            `json:"error,omitempty"`    // error only; absent when cleared
	Snapshot *session.Snapshot `json:"snapshot,omitempty"` // snapshot only
}

// eventFrame converts a session event into its outbound frame. Raw data
// events have no frame.
func eventFrame(ev session.Event) (Frame, bool) {
	switch ev.Kind {
	case session.StateChanged:
		return Frame{Type: FrameTypeState, State: ev.State.String()}, true
	case session.LineReceived:
		return Frame{Type: FrameTypeLine, Line: ev.Line}, true
	case session.ErrorChanged:
		return Frame{Type: FrameTypeError, Error: ev.Err}, true
	}
	return Frame{}, false
}
