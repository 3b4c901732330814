package protocol

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineBufferSplitsAtNewline(t *testing.T) {
	b := NewLineBuffer(0)

	lines := b.Feed([]byte("12\n34"))

	assert.Equal(t, []string{"12"}, lines)
	assert.Equal(t, []string{"12"}, b.History())
	assert.Equal(t, "34", b.Pending())
}

func TestLineBufferAccumulatesAcrossChunks(t *testing.T) {
	b := NewLineBuffer(0)

	assert.Empty(t, b.Feed([]byte("spe")))
	assert.Empty(t, b.Feed([]byte("ed=")))
	assert.Equal(t, "speed=", b.Pending())
	assert.Equal(t, []string{"speed=42"}, b.Feed([]byte("42\n")))
	assert.Equal(t, "", b.Pending())
}

func TestLineBufferMultipleLinesInOneChunk(t *testing.T) {
	b := NewLineBuffer(0)

	lines := b.Feed([]byte("a\nb\n\nc"))

	assert.Equal(t, []string{"a", "b", ""}, lines)
	assert.Equal(t, "c", b.Pending())
}

func TestLineBufferStripsCarriageReturn(t *testing.T) {
	b := NewLineBuffer(0)

	assert.Equal(t, []string{"ok"}, b.Feed([]byte("ok\r\n")))
	// only one trailing CR is part of the terminator
	assert.Equal(t, []string{"x\r"}, b.Feed([]byte("x\r\r\n")))
	// CR split from its LF across notifications
	b.Feed([]byte("done\r"))
	assert.Equal(t, []string{"done"}, b.Feed([]byte("\n")))
}

func TestLineBufferSplitUTF8(t *testing.T) {
	b := NewLineBuffer(0)
	word := []byte("héllo\n")

	// split inside the two-byte é
	b.Feed(word[:2])
	lines := b.Feed(word[2:])

	assert.Equal(t, []string{"héllo"}, lines)
}

func TestLineBufferHistoryLimit(t *testing.T) {
	b := NewLineBuffer(2)

	b.Feed([]byte("1\n2\n3\n"))

	assert.Equal(t, []string{"2", "3"}, b.History())
}

func TestLineBufferReceivedOutlivesHistoryLimit(t *testing.T) {
	b := NewLineBuffer(2)
	b.Feed([]byte("1\n2\n3\nx"))

	history, pending, received := b.View()
	assert.Equal(t, []string{"2", "3"}, history)
	assert.Equal(t, "x", pending)
	assert.Equal(t, uint64(3), received)
	assert.Equal(t, uint64(3), b.Received())
}

func TestLineBufferPendingIsCapped(t *testing.T) {
	b := NewLineBuffer(0)
	full := strings.Repeat("x", MaxPendingBytes)

	assert.Empty(t, b.Feed([]byte(full)))
	assert.Len(t, b.Pending(), MaxPendingBytes)

	lines := b.Feed([]byte("yz"))
	assert.Equal(t, []string{full}, lines)
	assert.Equal(t, "yz", b.Pending())

	// one oversized chunk is cut into full-size lines
	b = NewLineBuffer(0)
	lines = b.Feed([]byte(strings.Repeat("a", 2*MaxPendingBytes+1)))
	assert.Len(t, lines, 2)
	assert.Len(t, lines[0], MaxPendingBytes)
	assert.Equal(t, "a", b.Pending())
}

func TestLineBufferLineAtCapIsNotSplit(t *testing.T) {
	b := NewLineBuffer(0)
	full := strings.Repeat("x", MaxPendingBytes)

	lines := b.Feed([]byte(full + "\n"))
	assert.Equal(t, []string{full}, lines)
	assert.Empty(t, b.Pending())
}

// Any chunking of a stream yields the same lines as splitting the whole
// stream on '\n', and leaves the text after the last newline pending.
func TestLineBufferChunkingInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := []byte("ab1\n\n ")

	for iter := 0; iter < 200; iter++ {
		stream := make([]byte, rng.Intn(64))
		for i := range stream {
			stream[i] = alphabet[rng.Intn(len(alphabet))]
		}

		parts := strings.Split(string(stream), "\n")
		wantLines := parts[:len(parts)-1]
		wantPending := parts[len(parts)-1]

		b := NewLineBuffer(1000)
		var got []string
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			got = append(got, b.Feed(rest[:n])...)
			rest = rest[n:]
		}

		if len(wantLines) == 0 {
			assert.Empty(t, got, "stream %q", stream)
		} else {
			assert.Equal(t, wantLines, got, "stream %q", stream)
		}
		assert.Equal(t, wantLines, b.History(), "stream %q", stream)
		assert.Equal(t, wantPending, b.Pending(), "stream %q", stream)
	}
}

