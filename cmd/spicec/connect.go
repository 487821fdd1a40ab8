// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	spice "github.com/tenthirtyam/go-spice"
)

// errSessionClosed stops the group when the server ends the session cleanly.
var errSessionClosed = errors.New("session closed")

type connectOptions struct {
	configFile     string
	uri            string
	password       string
	askPassword    bool
	logLevel       string
	jsonLogs       bool
	connectTimeout time.Duration
	channels       []string
	maxDisplays    int
	debugAddr      string
	recordDir      string
	sendFile       string
}

func connectCmd() *cobra.Command {
	o := &connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect [uri]",
		Short: "Connect to a SPICE server and keep the session open",
		Long: `Connect opens a session and runs until the server closes it or the
process is interrupted. The URI may be host:port, tcp://host:port,
spice://host:port or a ws:// / wss:// WebSocket proxy address.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				o.uri = args[0]
			}
			fc, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, fc, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configFile, "config", "c", "", "YAML config file")
	f.StringVar(&o.uri, "uri", "", "server address")
	f.StringVar(&o.password, "password", "", "ticket password")
	f.BoolVar(&o.askPassword, "ask-password", false, "prompt for the password on the terminal")
	f.StringVar(&o.logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	f.BoolVar(&o.jsonLogs, "json", false, "emit JSON logs instead of console output")
	f.DurationVar(&o.connectTimeout, "connect-timeout", spice.DefaultConnectTimeout, "per-channel handshake timeout")
	f.StringSliceVar(&o.channels, "channels", nil, "sub-channels to open (display,inputs,cursor,playback,port)")
	f.IntVar(&o.maxDisplays, "max-displays", 0, "maximum display heads to attach")
	f.StringVar(&o.debugAddr, "debug-addr", "", "listen address for /metrics, /snapshot.png and /healthz")
	f.StringVar(&o.recordDir, "record-dir", "", "write VP8 streams as .webm files into this directory")
	f.StringVar(&o.sendFile, "send-file", "", "copy a file to the guest once the agent is up")

	return cmd
}

// resolve merges the config file, environment and explicitly set flags.
func (o *connectOptions) resolve(cmd *cobra.Command) (*spice.FileConfig, error) {
	fc, err := spice.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if o.uri != "" {
		fc.URI = o.uri
	}
	if f.Changed("password") {
		fc.Password = o.password
	}
	if f.Changed("log-level") {
		fc.LogLevel = o.logLevel
	}
	if f.Changed("connect-timeout") {
		fc.ConnectTimeout = o.connectTimeout
	}
	if f.Changed("channels") {
		fc.Channels = o.channels
	}
	if f.Changed("max-displays") {
		fc.MaxDisplayChannels = o.maxDisplays
	}
	if f.Changed("debug-addr") {
		fc.DebugAddr = o.debugAddr
	}
	if f.Changed("record-dir") {
		fc.RecordDir = o.recordDir
	}
	if o.askPassword {
		pw, err := promptPassword()
		if err != nil {
			return nil, err
		}
		fc.Password = pw
	}
	return fc, fc.Validate()
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd()) // #nosec G115 - file descriptor
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-password needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func runConnect(ctx context.Context, fc *spice.FileConfig, o *connectOptions) error {
	logger := spice.NewZerologLogger(os.Stderr, fc.LogLevel, !o.jsonLogs)
	reg := prometheus.NewRegistry()

	opts, err := fc.Options()
	if err != nil {
		return err
	}
	opts = append(opts,
		spice.WithLogger(logger),
		spice.WithMetrics(spice.NewPrometheusMetrics(reg)),
		spice.WithStateObserver(func(c *spice.Conn, s spice.State) {
			logger.Debug("Channel state",
				spice.Field{Key: "channel", Value: c.Type().String()},
				spice.Field{Key: "id", Value: c.ID()},
				spice.Field{Key: "state", Value: s.String()})
		}),
		spice.WithErrorHandler(func(c *spice.Conn, err error) {
			logger.Error("Channel failed",
				spice.Field{Key: "channel", Value: c.Type().String()},
				spice.Field{Key: "id", Value: c.ID()},
				spice.Field{Key: "error", Value: err})
		}),
	)

	session, err := spice.Connect(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()
	logger.Info("Connected", spice.Field{Key: "uri", Value: fc.URI}, spice.Field{Key: "session_id", Value: session.SessionID()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-session.Done():
			if err := session.Err(); err != nil {
				return err
			}
			return errSessionClosed
		case <-gctx.Done():
			return nil
		}
	})
	if fc.DebugAddr != "" {
		srv := newDebugServer(fc.DebugAddr, session, reg)
		g.Go(func() error { return serveDebug(gctx, srv, logger) })
	}
	if o.sendFile != "" {
		g.Go(func() error { return sendFile(gctx, session, o.sendFile, logger) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errSessionClosed) {
		return nil
	}
	return err
}

func sendFile(ctx context.Context, session *spice.Session, path string, logger spice.Logger) error {
	f, err := os.Open(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	t, err := session.SendFile(ctx, name, uint64(st.Size()), f, nil) // #nosec G115 - file size
	if err != nil {
		return err
	}
	select {
	case <-t.Done():
	case <-ctx.Done():
		return nil
	}
	if t.Err() != nil {
		// The session stays up when a transfer fails.
		logger.Warn("File transfer failed", spice.Field{Key: "name", Value: name}, spice.Field{Key: "error", Value: t.Err()})
		return nil
	}
	logger.Info("File sent", spice.Field{Key: "name", Value: name}, spice.Field{Key: "bytes", Value: t.Sent()})
	return nil
}
