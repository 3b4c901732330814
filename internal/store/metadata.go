package store

import (
	"strings"
	"time"

	"github.com/vitaminmoo/rccar/internal/protocol"
)

// Metadata describes one recorded capture.
type Metadata struct {
	ContentHash string    `json:"content_hash"`
	Lines       int       `json:"lines"`
	Size        int       `json:"size"`
	Replies     Replies   `json:"replies,omitempty"`
	Sources     []Source  `json:"sources"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Replies counts lines that echo a drive command back, keyed by command
// name. Firmware that acknowledges commands shows up here.
type Replies map[string]int

// Source records which session produced a capture.
type Source struct {
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Method     string    `json:"method"`             // "monitor", "import"
	Filename   string    `json:"filename,omitempty"` // import only
}

// ExtractMetadata summarizes a transcript.
func ExtractMetadata(transcript []byte, hash string) *Metadata {
	text := strings.ReplaceAll(string(transcript), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")

	meta := &Metadata{
		ContentHash: hash,
		Size:        len(transcript),
	}
	if text == "" {
		return meta
	}

	lines := strings.Split(text, "\n")
	meta.Lines = len(lines)
	for _, line := range lines {
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			continue
		}
		if meta.Replies == nil {
			meta.Replies = make(Replies)
		}
		meta.Replies[cmd.Name()]++
	}
	return meta
}
