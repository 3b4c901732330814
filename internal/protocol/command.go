// Package protocol implements the text protocol spoken by the vehicle's
// BLE UART module: single-letter drive commands terminated by CRLF on the
// way out, newline-delimited text lines on the way in.
package protocol

import (
	"fmt"
	"strings"
)

// Command is a single-character drive code understood by the vehicle firmware.
type Command string

const (
	Forward  Command = "W"
	Backward Command = "S"
	Left     Command = "A"
	Right    Command = "D"
	Stop     Command = "Q"
)

// Terminator is appended to every outbound command.
const Terminator = "\r\n"

// Commands lists the vocabulary in display order.
var Commands = []Command{Forward, Backward, Left, Right, Stop}

var commandNames = map[Command]string{
	Forward:  "forward",
	Backward: "backward",
	Left:     "left",
	Right:    "right",
	Stop:     "stop",
}

// aliases accepted by ParseCommand in addition to the names and codes
var commandAliases = map[string]Command{
	"fwd":  Forward,
	"up":   Forward,
	"back": Backward,
	"bwd":  Backward,
	"down": Backward,
	"halt": Stop,
}

// Name returns the human readable name, or the raw code for unknown commands.
func (c Command) Name() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return string(c)
}

// Valid reports whether c is one of the five known codes.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ParseCommand accepts a code letter (any case) or a command name.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty command")
	}
	if len(s) == 1 {
		c := Command(strings.ToUpper(s))
		if c.Valid() {
			return c, nil
		}
		return "", fmt.Errorf("unknown command code %q", s)
	}
	lower := strings.ToLower(s)
	for c, n := range commandNames {
		if n == lower {
			return c, nil
		}
	}
	if c, ok := commandAliases[lower]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Encode returns the bytes written to the characteristic for code.
func Encode(code string) []byte {
	return []byte(code + Terminator)
}
