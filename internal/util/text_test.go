package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTextData(t *testing.T) {
	assert.True(t, IsTextData([]byte("speed=12\r\n")))
	assert.True(t, IsTextData(nil))
	assert.False(t, IsTextData([]byte{0x00, 0x41}))
	assert.False(t, IsTextData([]byte{0xC3, 0xA9}))
}

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, `"ok\r\n"`, FormatPayload([]byte("ok\r\n")))
	assert.Equal(t, "01 FF", FormatPayload([]byte{0x01, 0xFF}))
}

func TestWriteHexDump(t *testing.T) {
	var buf bytes.Buffer
	WriteHexDump(&buf, []byte("W\r\n"))

	// 13 empty hex slots, plus the gap after the eighth column
	want := "0000  57 0d 0a " + strings.Repeat("   ", 5) + " " + strings.Repeat("   ", 8) + " |W..|\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteHexDumpMultipleRows(t *testing.T) {
	var buf bytes.Buffer
	WriteHexDump(&buf, bytes.Repeat([]byte{'A'}, 20))

	lines := bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n"))
	assert.Len(t, lines, 2)
	assert.True(t, bytes.HasPrefix(lines[1], []byte("0010  ")))
	assert.True(t, bytes.HasSuffix(lines[0], []byte("|AAAAAAAAAAAAAAAA|")))
}
