// Command consentctl drives a consent ledger daemon over the bridge: it can
// talk HTTP to a running daemon, publish on the daemon's Redis channel, or
// open the store in-process with --direct.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/myterms/consentledger/internal/app"
	"github.com/myterms/consentledger/internal/bridge"
	"github.com/myterms/consentledger/internal/config"
	"github.com/myterms/consentledger/internal/service"
)

var (
	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
)

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	server     string
	token      string
	redisURL   string
	channel    string
	direct     bool
	configPath string
	timeout    time.Duration
}

// session is one connected client plus whatever it needs torn down.
type session struct {
	client  *bridge.Client
	cleanup func()
}

func (s *session) Close() {
	_ = s.client.Close()
	if s.cleanup != nil {
		s.cleanup()
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "consentctl",
		Short:         "Operate a consent ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("CONSENTLEDGER_SERVER", "http://127.0.0.1:8480"), "daemon base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("CONSENTLEDGER_TOKEN"), "bearer token for the daemon")
	flags.StringVar(&opts.redisURL, "redis", "", "send envelopes over this Redis URL instead of HTTP")
	flags.StringVar(&opts.channel, "channel", bridge.DefaultRequestChannel, "Redis request channel")
	flags.BoolVar(&opts.direct, "direct", false, "open the store named by --config in-process")
	flags.StringVar(&opts.configPath, "config", "configs/consentledger.yaml", "daemon config, used with --direct")
	flags.DurationVar(&opts.timeout, "timeout", bridge.DefaultBaseTimeout, "base bridge timeout")

	connect := func(cmd *cobra.Command) (*session, error) {
		return opts.connect(cmd.Context())
	}
	root.AddCommand(
		summaryCmd(connect),
		recordsCmd(connect),
		captureCmd(connect),
		prepareCmd(connect),
		finalizeCmd(connect),
		abortCmd(connect),
		settleCmd(connect),
		purgeCmd(connect),
		batchesCmd(connect),
		enableCmd(connect, true),
		enableCmd(connect, false),
	)
	return root
}

func (o *globalOptions) connect(ctx context.Context) (*session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	clientOpts := bridge.ClientOptions{BaseTimeout: o.timeout}
	switch {
	case o.direct:
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		// Only the daemon answers on Redis and exports telemetry.
		cfg.Bridge.RedisURL = ""
		cfg.Telemetry.OTLPEndpoint = ""
		logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
		application, err := app.New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		transport := bridge.NewDirectTransport(bridge.NewDispatcher(application.Service, logger))
		return &session{
			client: bridge.NewClient(transport, clientOpts),
			cleanup: func() {
				_ = application.Shutdown(context.Background())
			},
		}, nil
	case o.redisURL != "":
		rdb, err := bridge.NewRedisClient(ctx, o.redisURL)
		if err != nil {
			return nil, err
		}
		transport, err := bridge.NewRedisTransport(ctx, rdb, o.channel, o.token, nil)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return &session{
			client:  bridge.NewClient(transport, clientOpts),
			cleanup: func() { _ = rdb.Close() },
		}, nil
	default:
		transport := bridge.NewHTTPTransport(bridge.HTTPTransportConfig{BaseURL: o.server, Token: o.token})
		return &session{client: bridge.NewClient(transport, clientOpts)}, nil
	}
}

func reportError(w io.Writer, err error) {
	var timeout *bridge.BridgeTimeoutError
	if errors.As(err, &timeout) {
		colorYellow.Fprintf(w, "timed out: %s after %s\n", timeout.Operation, timeout.After)
		fmt.Fprintf(w, "  %s\n", timeout.Fallback)
		return
	}
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		colorRed.Fprintf(w, "%s: %s", appErr.Code, appErr.Message)
		if appErr.Retryable {
			fmt.Fprint(w, " (retryable)")
		}
		fmt.Fprintln(w)
		return
	}
	colorRed.Fprintf(w, "error: %v\n", err)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
