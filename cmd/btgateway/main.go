// Btgateway scans for Bluetooth Classic devices, pairs with the chosen one and
// opens a Serial Port Profile link to it, walking through progressively less
// strict connection methods until one succeeds.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - RegisterProfile usually needs root or membership in the bluetooth group.
//   - Pairing with devices that require a PIN needs an agent (bluetoothctl agent on).
//
// Usage
//
//	btgateway                                   list view, scan with "s", connect with enter
//	btgateway -ui plain                         scan, print the list, prompt for an index
//	btgateway -ui plain -device AA:BB:CC:DD:EE:FF -pipe
//	                                            connect directly and bridge stdio to the link
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"bluetooth-gateway/internal/config"
	"bluetooth-gateway/internal/connmgr"
	"bluetooth-gateway/internal/session"
	"bluetooth-gateway/internal/ui/plain"
	"bluetooth-gateway/internal/ui/tui"
)

type cliOptions struct {
	device string
	pipe   bool
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	envFile := flag.String("env", ".env", "path to .env file (ignored if missing)")
	ui := flag.String("ui", "", "frontend: tui or plain (overrides config)")
	adapter := flag.String("adapter", "", "adapter name, e.g. hci0 (overrides config)")
	strategy := flag.String("strategy", "", "connection strategy: fallback or secure (overrides config)")
	scanDuration := flag.Duration("scan-duration", 0, "discovery auto-stop (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	device := flag.String("device", "", "plain mode: connect to this address without scanning")
	pipe := flag.Bool("pipe", false, "plain mode: copy stdio to and from the connection")
	flag.Parse()

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *ui != "" {
		cfg.UI = *ui
	}
	if *adapter != "" {
		cfg.Adapter = *adapter
	}
	if *strategy != "" {
		cfg.Connect.Strategy = *strategy
	}
	if *scanDuration != 0 {
		cfg.Scan.Duration = *scanDuration
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Normalize(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, cliOptions{device: *device, pipe: *pipe}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func run(cfg config.Config, cli cliOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	log := logger.WithField("component", "btgateway")

	host, err := connmgr.New(connmgr.Options{
		Adapter:     cfg.Adapter,
		ServiceUUID: cfg.ServiceUUID,
		Channel:     cfg.Connect.FallbackChannel,
		Logger:      logger.WithField("component", "connmgr"),
	})
	if err != nil {
		return fmt.Errorf("bluetooth: %w", err)
	}
	defer func() {
		if err := host.Close(); err != nil {
			log.WithError(err).Warn("close bluetooth manager")
		}
	}()

	strategy, err := session.ParseStrategy(cfg.Connect.Strategy)
	if err != nil {
		return err
	}
	s := session.New(host, session.Options{
		ScanDuration:   cfg.Scan.Duration,
		SettleDelay:    cfg.Connect.SettleDelay,
		AttemptTimeout: cfg.Connect.AttemptTimeout,
		Strategy:       strategy,
		AutoPower:      cfg.Scan.AutoPower,
		SkipPairing:    !cfg.Connect.PairEnabled(),
		Logger:         logger.WithField("component", "session"),
	})

	sessCtx, stop := context.WithCancel(ctx)
	go func() {
		if err := s.Run(sessCtx); err != nil {
			log.WithError(err).Error("session stopped")
		}
	}()
	// The session closes the held connection before the manager goes away.
	defer func() {
		stop()
		<-s.Done()
	}()

	log.WithFields(logrus.Fields{
		"ui":       cfg.UI,
		"adapter":  cfg.Adapter,
		"strategy": strategy,
	}).Info("gateway started")

	if cfg.UI == config.UIPlain {
		return runPlain(ctx, s, cli)
	}
	return runTUI(ctx, s)
}

func runTUI(ctx context.Context, s *session.Session) error {
	p := tea.NewProgram(tui.New(s), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func runPlain(ctx context.Context, s *session.Session, cli cliOptions) error {
	res, err := plain.New(s, os.Stdin, os.Stdout).Run(ctx, cli.device)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, plain.ErrNoDevices) {
			return nil
		}
		return err
	}
	if !cli.pipe {
		return nil
	}
	err = plain.Pipe(ctx, res.Conn, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// newLogger builds the logger. The list view owns the terminal, so its logs go
// to the configured file.
func newLogger(cfg config.Config) (*logrus.Logger, func(), error) {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	if cfg.UI != config.UITUI || cfg.Log.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, func() {}, nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(f)
	logger.WithField("started", time.Now().Format(time.RFC3339)).Debug("log opened")
	return logger, func() { _ = f.Close() }, nil
}
