package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vitaminmoo/rccar/internal/config"
	"github.com/vitaminmoo/rccar/internal/protocol"
	"github.com/vitaminmoo/rccar/internal/session"
	"github.com/vitaminmoo/rccar/internal/store"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var c CLI
	parser, err := kong.New(&c, kong.Name("rccar"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &c, ctx
}

func TestParseDefaultsToTui(t *testing.T) {
	_, ctx := parse(t)
	assert.Equal(t, "tui", ctx.Command())
}

func TestParseGlobals(t *testing.T) {
	c, ctx := parse(t, "-v", "--config", "/tmp/rccar.yaml", "monitor", "--raw")
	assert.Equal(t, "monitor", ctx.Command())
	assert.True(t, c.Verbose)
	assert.Equal(t, "/tmp/rccar.yaml", c.Config)
	assert.True(t, c.Monitor.Raw)
}

func TestParseSend(t *testing.T) {
	c, ctx := parse(t, "send", "--delay", "250ms", "--stop", "w", "left")
	assert.True(t, strings.HasPrefix(ctx.Command(), "send"))
	assert.Equal(t, []string{"w", "left"}, c.Send.Commands)
	assert.Equal(t, 250*time.Millisecond, c.Send.Delay)

	cmds, err := c.Send.parse()
	require.NoError(t, err)
	assert.Equal(t, []protocol.Command{protocol.Forward, protocol.Left, protocol.Stop}, cmds)
}

func TestScanTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, scanTimeout(3*time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, scanTimeout(0, 10*time.Second))
	assert.Zero(t, scanTimeout(0, 0), "no limit scans until interrupted")
	assert.Zero(t, scanTimeout(-time.Second, 0))
}

func TestSendParseRejectsUnknown(t *testing.T) {
	c := SendCmd{Commands: []string{"W", "jump"}}
	_, err := c.parse()
	assert.Error(t, err)
}

func TestSendParseStopNotDoubled(t *testing.T) {
	c := SendCmd{Commands: []string{"d", "q"}, Stop: true}
	cmds, err := c.parse()
	require.NoError(t, err)
	assert.Equal(t, []protocol.Command{protocol.Right, protocol.Stop}, cmds)
}

func TestParseServe(t *testing.T) {
	c, ctx := parse(t, "serve", "--listen", "127.0.0.1:9999", "--connect")
	assert.Equal(t, "serve", ctx.Command())
	assert.Equal(t, "127.0.0.1:9999", c.Serve.Listen)
	assert.True(t, c.Serve.Connect)
}

func TestMonitorLines(t *testing.T) {
	events := make(chan session.Event, 8)
	events <- session.Event{Kind: session.StateChanged, State: session.Connected}
	events <- session.Event{Kind: session.DataReceived, Data: []byte("OK\n")}
	events <- session.Event{Kind: session.LineReceived, Line: "OK"}
	events <- session.Event{Kind: session.ErrorChanged, Err: "GATT operation failed"}
	events <- session.Event{Kind: session.ErrorChanged}
	close(events)

	var buf bytes.Buffer
	require.NoError(t, monitor(context.Background(), events, &buf, false))
	assert.Equal(t, "-- connected\nOK\n-- error: GATT operation failed\n", buf.String())
}

func TestMonitorRaw(t *testing.T) {
	events := make(chan session.Event, 4)
	events <- session.Event{Kind: session.DataReceived, Data: []byte("OK\n")}
	events <- session.Event{Kind: session.LineReceived, Line: "OK"}
	close(events)

	var buf bytes.Buffer
	require.NoError(t, monitor(context.Background(), events, &buf, true))
	out := buf.String()
	assert.Contains(t, out, "3 bytes")
	assert.Contains(t, out, "4f 4b 0a")
	assert.NotContains(t, out, "\nOK\n")
}

func TestMonitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	assert.NoError(t, monitor(ctx, make(chan session.Event), &buf, false))
}

func TestShowConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showConfig(&buf, config.Default()))

	var got config.Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, *config.Default(), got)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rccar", "config.yaml")
	globals := &CLI{Config: path}

	require.NoError(t, (&ConfigInitCmd{}).Run(globals))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	assert.ErrorContains(t, (&ConfigInitCmd{}).Run(globals), "already exists")

	require.NoError(t, os.WriteFile(path, []byte("history_limit: 1\n"), 0o644))
	require.NoError(t, (&ConfigInitCmd{Force: true}).Run(globals))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.HistoryLimit)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))

	_, err := (&CLI{Config: path}).load()
	assert.ErrorContains(t, err, "invalid config")
}

func TestCommandHelp(t *testing.T) {
	assert.Equal(t, "W=forward S=backward A=left D=right Q=stop", CommandHelp())
}

func TestTranscript(t *testing.T) {
	snap := session.Snapshot{Lines: []string{"ready", "W"}, Pending: "batt"}
	assert.Equal(t, "ready\nW\nbatt\n", string(transcript(snap)))
	assert.Empty(t, transcript(session.Snapshot{}))
}

// captureConfig writes a config whose capture dir lives under the test's
// temp dir.
func captureConfig(t *testing.T) (*CLI, string) {
	t.Helper()
	dir := t.TempDir()
	captures := filepath.Join(dir, "captures")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture_dir: "+captures+"\n"), 0o644))
	return &CLI{Config: path}, captures
}

func TestRecordAndCaptures(t *testing.T) {
	globals, captures := captureConfig(t)

	start := time.Now().Add(-time.Minute)
	src := store.Source{DeviceName: "HMSoft", StartedAt: start, EndedAt: time.Now(), Method: "monitor"}
	require.NoError(t, record(captures, []byte("ready\nW\n"), src))
	require.NoError(t, record(captures, nil, src), "empty transcripts are skipped")

	s, err := store.Open(captures)
	require.NoError(t, err)
	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	short := store.ShortHash(entries[0].Hash)

	require.NoError(t, (&CapturesListCmd{}).Run(globals))
	require.NoError(t, (&CapturesShowCmd{Hash: short}).Run(globals))

	out := filepath.Join(t.TempDir(), "capture.log")
	require.NoError(t, (&CapturesExportCmd{Hash: short, Output: out}).Run(globals))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ready\nW\n", string(data))

	err = (&CapturesShowCmd{Hash: "ffffffff"}).Run(globals)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCapturesImport(t *testing.T) {
	globals, captures := captureConfig(t)
	file := filepath.Join(t.TempDir(), "drive.log")
	require.NoError(t, os.WriteFile(file, []byte("ready\r\nQ\r\n"), 0o644))

	cmd := &CapturesImportCmd{File: file, Device: "HMSoft"}
	require.NoError(t, cmd.Run(globals))
	require.NoError(t, cmd.Run(globals), "reimport adds a source")

	s, err := store.Open(captures)
	require.NoError(t, err)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.List()
	require.NoError(t, err)
	meta, err := s.GetMetadata(entries[0].Hash)
	require.NoError(t, err)
	require.Len(t, meta.Sources, 2)
	assert.Equal(t, "import", meta.Sources[0].Method)
	assert.Equal(t, "drive.log", meta.Sources[0].Filename)
	assert.Equal(t, store.Replies{"stop": 1}, meta.Replies)

	empty := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.ErrorContains(t, (&CapturesImportCmd{File: empty}).Run(globals), "empty")
}

func TestParseCaptures(t *testing.T) {
	c, ctx := parse(t, "captures", "export", "abc123", "/tmp/out.log")
	assert.True(t, strings.HasPrefix(ctx.Command(), "captures export"))
	assert.Equal(t, "abc123", c.Captures.Export.Hash)
	assert.Equal(t, "/tmp/out.log", c.Captures.Export.Output)

	c, _ = parse(t, "monitor", "--record")
	assert.True(t, c.Monitor.Record)
}
