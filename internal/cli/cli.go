package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/vitaminmoo/rccar/internal/ble"
	"github.com/vitaminmoo/rccar/internal/config"
	"github.com/vitaminmoo/rccar/internal/protocol"
	"github.com/vitaminmoo/rccar/internal/session"
	"github.com/vitaminmoo/rccar/internal/store"
	"github.com/vitaminmoo/rccar/internal/tui"
	"github.com/vitaminmoo/rccar/internal/util"
	"github.com/vitaminmoo/rccar/internal/web"
)

// CLI is the root command structure for rccar.
type CLI struct {
	Verbose bool   `short:"v" help:"Enable verbose debug output"`
	Config  string `help:"Config file path (default ~/.config/rccar/config.yaml)" type:"path"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Scan     ScanCmd     `cmd:"" help:"List peripherals advertising the car service"`
	Send     SendCmd     `cmd:"" help:"Connect and send drive commands"`
	Monitor  MonitorCmd  `cmd:"" help:"Connect and print lines received from the car"`
	Serve    ServeCmd    `cmd:"" help:"Serve the browser control panel"`
	Captures CapturesCmd `cmd:"" help:"Recorded monitor transcripts"`
	Cfg      ConfigCmd   `cmd:"" name:"config" help:"Configuration file"`
}

// load applies the global flags and returns the effective config.
func (g *CLI) load() (*config.Config, error) {
	config.Verbose = g.Verbose

	cfg, err := config.LoadOrDefault(g.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// logger builds the slog logger for cfg, writing to w.
func (g *CLI) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if g.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openSession wires the platform adapter to a new session.
func openSession(cfg *config.Config, logger *slog.Logger) (*session.Session, error) {
	opts, err := session.OptionsFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	return session.New(ble.NewTinyGoAdapter(), opts), nil
}

// connect runs one connect bounded by the configured scan timeout.
func connect(ctx context.Context, sess *session.Session, cfg *config.Config) error {
	if cfg.Device.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Device.ScanTimeout)
		defer cancel()
	}
	fmt.Println("Searching for car...")
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	snap := sess.Snapshot()
	fmt.Printf("Connected to %s (%s)\n", displayName(snap.DeviceName), snap.DeviceID)
	return nil
}

func displayName(name string) string {
	if name == "" {
		return "unnamed device"
	}
	return name
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// --- TUI Command ---

type TuiCmd struct {
	Connect bool `help:"Start connecting on launch"`
}

func (c *TuiCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}

	// The terminal belongs to the TUI, so runtime logs go to the log file.
	logOut := io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	sess, err := openSession(cfg, globals.logger(cfg, logOut))
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	return tui.Run(sess, tui.Options{
		ScanTimeout: cfg.Device.ScanTimeout,
		AutoConnect: c.Connect,
	}, cfg.LogFile)
}

// --- Scan Command ---

type ScanCmd struct {
	Timeout time.Duration `help:"How long to scan (default from config)"`
	All     bool          `help:"Ignore the service and name filters"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	opts, err := session.OptionsFromConfig(cfg, nil)
	if err != nil {
		return err
	}
	filter := opts.Filter
	if c.All {
		filter = ble.Filter{}
	}

	timeout := scanTimeout(c.Timeout, cfg.Device.ScanTimeout)

	ctx, stop := signalContext()
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		fmt.Printf("Scanning for %s...\n\n", timeout)
	} else {
		fmt.Println("Scanning, press Ctrl+C to stop")
		fmt.Println()
	}
	count := 0
	err = ble.NewTinyGoAdapter().Scan(ctx, filter, func(adv ble.Advertisement) {
		count++
		fmt.Printf("  %-17s  %4d dBm  %s\n", adv.Address, adv.RSSI, displayName(adv.Name))
	})
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	fmt.Printf("\nFound %d device(s)\n", count)
	return nil
}

// scanTimeout picks the --timeout flag over the configured timeout. Zero
// means scan until interrupted.
func scanTimeout(flag, configured time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return max(configured, 0)
}

// --- Send Command ---

type SendCmd struct {
	Commands []string      `arg:"" name:"command" help:"Commands to send: W/S/A/D/Q or forward/backward/left/right/stop"`
	Delay    time.Duration `help:"Pause between commands" default:"0s"`
	Stop     bool          `help:"Send stop after the last command"`
}

// parse resolves every argument before anything is sent.
func (c *SendCmd) parse() ([]protocol.Command, error) {
	cmds := make([]protocol.Command, 0, len(c.Commands)+1)
	for _, arg := range c.Commands {
		cmd, err := protocol.ParseCommand(arg)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	if c.Stop && (len(cmds) == 0 || cmds[len(cmds)-1] != protocol.Stop) {
		cmds = append(cmds, protocol.Stop)
	}
	return cmds, nil
}

func (c *SendCmd) Run(globals *CLI) error {
	cmds, err := c.parse()
	if err != nil {
		return err
	}
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	sess, err := openSession(cfg, globals.logger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	ctx, stop := signalContext()
	defer stop()

	if err := connect(ctx, sess, cfg); err != nil {
		return err
	}

	for i, cmd := range cmds {
		if i > 0 && c.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Delay):
			}
		}
		if err := sess.Send(ctx, cmd); err != nil {
			return fmt.Errorf("failed to send %s: %w", cmd.Name(), err)
		}
		fmt.Printf("Sent %s (%s)\n", cmd.Name(), cmd)
	}
	return nil
}

// --- Monitor Command ---

type MonitorCmd struct {
	Raw    bool `help:"Hex dump every notification instead of printing lines"`
	Record bool `help:"Save the received lines to the capture store on exit"`
}

func (c *MonitorCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	sess, err := openSession(cfg, globals.logger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	ctx, stop := signalContext()
	defer stop()

	events, cancel := sess.Subscribe()
	defer cancel()

	started := time.Now()
	if err := connect(ctx, sess, cfg); err != nil {
		return err
	}
	fmt.Println("Listening, press Ctrl+C to stop")
	fmt.Println()

	if err := monitor(ctx, events, os.Stdout, c.Raw); err != nil {
		return err
	}
	if !c.Record {
		return nil
	}

	snap := sess.Snapshot()
	return record(cfg.CaptureDir, transcript(snap), store.Source{
		DeviceID:   snap.DeviceID,
		DeviceName: snap.DeviceName,
		StartedAt:  started,
		EndedAt:    time.Now(),
		Method:     "monitor",
	})
}

// transcript renders the received history, plus any unterminated tail, one
// line per line.
func transcript(snap session.Snapshot) []byte {
	var b strings.Builder
	for _, line := range snap.Lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if snap.Pending != "" {
		b.WriteString(snap.Pending)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func record(dir string, data []byte, source store.Source) error {
	if len(data) == 0 {
		fmt.Println("\nNothing received, no capture saved")
		return nil
	}
	s, err := store.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	hash, isNew, err := s.Import(data, source)
	if err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}
	printImport(s, hash, isNew)
	return nil
}

func printImport(s *store.Store, hash string, isNew bool) {
	if isNew {
		fmt.Printf("\nSaved capture %s\n", store.ShortHash(hash))
	} else {
		fmt.Printf("\nCapture %s already stored, added source\n", store.ShortHash(hash))
	}
	if n, err := s.Count(); err == nil {
		fmt.Printf("%d capture(s) in store\n", n)
	}
}

// monitor prints session events to w until ctx ends or events closes.
func monitor(ctx context.Context, events <-chan session.Event, w io.Writer, raw bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case session.DataReceived:
				if raw {
					fmt.Fprintf(w, "%s  %d bytes\n", time.Now().Format("15:04:05.000"), len(ev.Data))
					util.WriteHexDump(w, ev.Data)
				}
			case session.LineReceived:
				if !raw {
					fmt.Fprintln(w, ev.Line)
				}
			case session.StateChanged:
				fmt.Fprintf(w, "-- %s\n", ev.State)
			case session.ErrorChanged:
				if ev.Err != "" {
					fmt.Fprintf(w, "-- error: %s\n", ev.Err)
				}
			}
		}
	}
}

// --- Serve Command ---

type ServeCmd struct {
	Listen  string `help:"Address to listen on (default from config)"`
	Connect bool   `help:"Connect to the car before serving"`
}

func (c *ServeCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	logger := globals.logger(cfg, os.Stderr)

	sess, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	ctx, stop := signalContext()
	defer stop()

	if c.Connect {
		if err := connect(ctx, sess, cfg); err != nil {
			// the page can retry
			logger.Warn("initial connect failed", "error", err)
		}
	}

	addr := c.Listen
	if addr == "" {
		addr = cfg.Web.Listen
	}
	srv := web.NewServer(sess, addr, cfg.Device.ScanTimeout, logger)
	srv.SetCommandRate(cfg.Web.CommandRate, cfg.Web.CommandBurst)
	fmt.Printf("Serving control panel on http://%s\n", addr)
	return srv.Start(ctx)
}

// --- Capture Commands ---

type CapturesCmd struct {
	List   CapturesListCmd   `cmd:"" help:"List recorded captures"`
	Show   CapturesShowCmd   `cmd:"" help:"Show a capture and its metadata"`
	Export CapturesExportCmd `cmd:"" help:"Export a capture to a file"`
	Import CapturesImportCmd `cmd:"" help:"Import a transcript file into the store"`
}

func openStore(globals *CLI) (*store.Store, error) {
	cfg, err := globals.load()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.CaptureDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

type CapturesListCmd struct{}

func (c *CapturesListCmd) Run(globals *CLI) error {
	s, err := openStore(globals)
	if err != nil {
		return err
	}
	entries, err := s.List()
	if err != nil {
		return fmt.Errorf("failed to list captures: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No captures in store.")
		fmt.Println("Record one with: rccar monitor --record")
		return nil
	}

	fmt.Printf("Found %d capture(s):\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s  %-16s  %5d lines  %s\n",
			store.ShortHash(e.Hash),
			humanize.Time(e.CreatedAt),
			e.Lines,
			displayName(e.DeviceName))
	}
	return nil
}

type CapturesShowCmd struct {
	Hash string `arg:"" help:"Capture hash (full or short)"`
}

func (c *CapturesShowCmd) Run(globals *CLI) error {
	s, err := openStore(globals)
	if err != nil {
		return err
	}
	hash, err := s.Resolve(c.Hash)
	if err != nil {
		return err
	}
	meta, err := s.GetMetadata(hash)
	if err != nil {
		return err
	}
	data, err := s.Get(hash)
	if err != nil {
		return err
	}

	fmt.Printf("Capture:  %s\n", hash)
	fmt.Printf("Lines:    %d (%s)\n", meta.Lines, humanize.Bytes(uint64(meta.Size)))
	for name, n := range meta.Replies {
		fmt.Printf("Replies:  %s x%d\n", name, n)
	}
	for _, src := range meta.Sources {
		fmt.Printf("Source:   %s %s %s, %s\n",
			src.Method,
			displayName(src.DeviceName),
			src.StartedAt.Local().Format("2006-01-02 15:04:05"),
			src.EndedAt.Sub(src.StartedAt).Round(time.Second))
		if src.Filename != "" {
			fmt.Printf("          from %s\n", src.Filename)
		}
	}
	fmt.Println()
	os.Stdout.Write(data)
	return nil
}

type CapturesExportCmd struct {
	Hash   string `arg:"" help:"Capture hash (full or short)"`
	Output string `arg:"" help:"Output file path" type:"path"`
}

func (c *CapturesExportCmd) Run(globals *CLI) error {
	s, err := openStore(globals)
	if err != nil {
		return err
	}
	hash, err := s.Resolve(c.Hash)
	if err != nil {
		return err
	}
	if err := s.Export(hash, c.Output); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	fmt.Printf("Exported to: %s\n", c.Output)
	return nil
}

type CapturesImportCmd struct {
	File   string `arg:"" help:"Transcript file, one line per received line" type:"existingfile"`
	Device string `help:"Device name to record as the source"`
}

func (c *CapturesImportCmd) Run(globals *CLI) error {
	s, err := openStore(globals)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", c.File)
	}
	info, err := os.Stat(c.File)
	if err != nil {
		return err
	}

	hash, isNew, err := s.Import(data, store.Source{
		DeviceName: c.Device,
		StartedAt:  info.ModTime(),
		EndedAt:    info.ModTime(),
		Method:     "import",
		Filename:   filepath.Base(c.File),
	})
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}
	printImport(s, hash, isNew)
	return nil
}

// --- Config Commands ---

type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
	Init ConfigInitCmd `cmd:"" help:"Write a default config file"`
}

type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	return showConfig(os.Stdout, cfg)
}

func showConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

type ConfigInitCmd struct {
	Force bool `help:"Overwrite an existing file"`
}

func (c *ConfigInitCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose

	path := globals.Config
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if !c.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// CommandHelp lists the drive vocabulary as code=name pairs.
func CommandHelp() string {
	parts := make([]string, 0, len(protocol.Commands))
	for _, cmd := range protocol.Commands {
		parts = append(parts, fmt.Sprintf("%s=%s", cmd, cmd.Name()))
	}
	return strings.Join(parts, " ")
}
