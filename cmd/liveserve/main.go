package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/guseggert/liveserve/app"
	"github.com/guseggert/liveserve/console"
	"github.com/guseggert/liveserve/internal/config"
	inet "github.com/guseggert/liveserve/internal/net"
	"github.com/guseggert/liveserve/proc"
	"github.com/guseggert/liveserve/remote"
	"github.com/guseggert/liveserve/serve"
	"github.com/guseggert/liveserve/watch"
)

func main() {
	a := &cli.App{
		Name:  "liveserve",
		Usage: "run an application attached to a remote session, restarting it when its files change",
		Commands: []*cli.Command{
			serveCommand(),
		},
	}
	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve an application with live-reload.",
		ArgsUsage: "[--] <command> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a config file. By default " + config.FileName + " is searched for from the working directory up.",
				EnvVars: []string{"LIVESERVE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "remote-url",
				Usage:   "URL of the session server. If empty, a local session server is started.",
				EnvVars: []string{proc.EnvRemoteURL},
			},
			&cli.StringFlag{
				Name:    "environment",
				Aliases: []string{"e"},
				Usage:   "Environment the session runs in.",
				EnvVars: []string{proc.EnvEnvironment},
			},
			&cli.StringSliceFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Paths to watch for changes. Defaults to the working directory.",
				EnvVars: []string{"LIVESERVE_WATCH"},
			},
			&cli.StringSliceFlag{
				Name:    "ignore",
				Usage:   "Patterns of paths to ignore.",
				EnvVars: []string{"LIVESERVE_IGNORE"},
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Extra KEY=VALUE environment variables for the application.",
			},
			&cli.DurationFlag{
				Name:    "ready-timeout",
				Usage:   "How long to wait for the application to report readiness.",
				EnvVars: []string{"LIVESERVE_READY_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "terminate-timeout",
				Usage:   "How long to wait for the application to exit before killing it.",
				EnvVars: []string{"LIVESERVE_TERMINATE_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "How often to send session heartbeats.",
				EnvVars: []string{"LIVESERVE_HEARTBEAT_INTERVAL"},
			},
			&cli.IntFlag{
				Name:    "max-heartbeat-failures",
				Usage:   "Consecutive heartbeat failures before giving up. 0 never gives up.",
				EnvVars: []string{"LIVESERVE_MAX_HEARTBEAT_FAILURES"},
			},
			&cli.DurationFlag{
				Name:    "debounce",
				Usage:   "How long to wait for changes to settle before restarting.",
				EnvVars: []string{"LIVESERVE_DEBOUNCE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. One of [debug,info,warn,error].",
				EnvVars: []string{"LIVESERVE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "If set, serve Prometheus metrics on this address.",
				EnvVars: []string{"LIVESERVE_METRICS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "ca-cert-pem",
				Usage:   "The CA cert PEM bytes to use for the session server (base64-encoded).",
				EnvVars: []string{app.EnvCACertPEM},
			},
			&cli.StringFlag{
				Name:    "cert-pem",
				Usage:   "The client cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{app.EnvCertPEM},
			},
			&cli.StringFlag{
				Name:    "key-pem",
				Usage:   "The client key PEM bytes to use (base64-encoded).",
				EnvVars: []string{app.EnvKeyPEM},
			},
		},
		Action: runServe,
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, fmt.Errorf("getting working directory: %w", wdErr)
		}
		cfg, err = config.Discover(wd)
	}
	if err != nil {
		return nil, err
	}

	// flags take precedence over the file
	if c.IsSet("remote-url") {
		cfg.RemoteURL = c.String("remote-url")
	}
	if c.IsSet("environment") {
		cfg.Environment = c.String("environment")
	}
	if c.IsSet("watch") {
		cfg.Watch = c.StringSlice("watch")
	}
	if c.IsSet("ignore") {
		cfg.Ignore = c.StringSlice("ignore")
	}
	if c.IsSet("env") {
		cfg.Env = append(cfg.Env, c.StringSlice("env")...)
	}
	if c.IsSet("ready-timeout") {
		cfg.ReadyTimeout = c.Duration("ready-timeout")
	}
	if c.IsSet("terminate-timeout") {
		cfg.TerminateTimeout = c.Duration("terminate-timeout")
	}
	if c.IsSet("heartbeat-interval") {
		cfg.HeartbeatInterval = c.Duration("heartbeat-interval")
	}
	if c.IsSet("max-heartbeat-failures") {
		cfg.MaxHeartbeatFailures = c.Int("max-heartbeat-failures")
	}
	if c.IsSet("debounce") {
		cfg.Debounce = c.Duration("debounce")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.Args().Present() {
		cfg.Command = c.Args().Slice()
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("no command given, pass it after -- or set command in " + config.FileName)
	}
	if len(cfg.Watch) == 0 {
		cfg.Watch = []string{"."}
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	l, err := zap.NewDevelopment(zap.IncreaseLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

type certFlags struct {
	caCertPEM, certPEM, keyPEM []byte
}

func decodeCerts(c *cli.Context) (*certFlags, error) {
	if c.String("cert-pem") == "" {
		return nil, nil
	}
	var certs certFlags
	for _, f := range []struct {
		name string
		dst  *[]byte
	}{
		{name: "ca-cert-pem", dst: &certs.caCertPEM},
		{name: "cert-pem", dst: &certs.certPEM},
		{name: "key-pem", dst: &certs.keyPEM},
	} {
		b, err := base64.StdEncoding.DecodeString(c.String(f.name))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.name, err)
		}
		*f.dst = b
	}
	return &certs, nil
}

// startLocalServer runs a session server on an ephemeral local port, for when no remote is configured.
func startLocalServer(log *zap.SugaredLogger) (string, func(), error) {
	addr, _, err := inet.LocalListenAddr()
	if err != nil {
		return "", nil, fmt.Errorf("finding a port for the local session server: %w", err)
	}
	srv := remote.NewServer(
		remote.WithListenAddr(addr),
		remote.WithLogger(log.Desugar()),
	)
	go func() {
		if err := srv.Run(); err != nil {
			log.Errorw("local session server failed", "Error", err)
		}
	}()
	return "http://" + addr, func() { srv.Stop() }, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Path != "" {
		logger.Debugw("loaded config", "Path", cfg.Path)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	certs, err := decodeCerts(c)
	if err != nil {
		return err
	}

	remoteURL := cfg.RemoteURL
	if remoteURL == "" {
		u, stopServer, err := startLocalServer(logger)
		if err != nil {
			return err
		}
		defer stopServer()
		remoteURL = u
		logger.Infow("started local session server", "URL", remoteURL)
	}

	clientOpts := []remote.ClientOption{remote.WithClientLogger(logger)}
	childEnv := append([]string(nil), cfg.Env...)
	if certs != nil {
		clientOpts = append(clientOpts, remote.WithClientCerts(certs.caCertPEM, certs.certPEM, certs.keyPEM))
		childEnv = append(childEnv,
			app.EnvCACertPEM+"="+c.String("ca-cert-pem"),
			app.EnvCertPEM+"="+c.String("cert-pem"),
			app.EnvKeyPEM+"="+c.String("key-pem"),
		)
	}
	client, err := remote.NewClient(remoteURL, clientOpts...)
	if err != nil {
		return fmt.Errorf("building session client: %w", err)
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	err = client.WaitForServer(waitCtx)
	cancelWait()
	if err != nil {
		return fmt.Errorf("waiting for session server at %s: %w", remoteURL, err)
	}

	var metrics serve.Metrics = serve.NewNoopMetrics()
	if cfg.MetricsAddr != "" {
		pm := serve.NewPrometheusMetrics("liveserve")
		metrics = pm
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(pm.Registry(), promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("metrics server failed", "Error", err)
			}
		}()
		defer metricsServer.Close()
		logger.Infow("serving metrics", "Addr", cfg.MetricsAddr)
	}

	out := console.New(os.Stdout, console.WithInteractive(isTerminal(os.Stdout)), console.WithLogger(logger))

	launcher, err := proc.NewLauncher(cfg.Command,
		proc.WithLauncherLogger(logger),
		proc.WithRemoteURL(remoteURL),
		proc.WithEnv(childEnv...),
	)
	if err != nil {
		return err
	}
	terminator := proc.NewTerminator(out,
		proc.WithTerminatorLogger(logger),
		proc.WithOutcomeHook(metrics.ChildTerminated),
	)

	watchOpts := []watch.Option{watch.WithLogger(logger), watch.WithDebounce(cfg.Debounce)}
	if len(cfg.Ignore) > 0 {
		watchOpts = append(watchOpts, watch.WithIgnore(append(append([]string(nil), watch.DefaultIgnore...), cfg.Ignore...)...))
	}
	watcher, err := watch.New(cfg.Watch, watchOpts...)
	if err != nil {
		return err
	}
	events, err := watcher.Watch(ctx)
	if err != nil {
		return err
	}

	sup := serve.New(launcher, terminator, client, out, events,
		serve.WithLogger(logger),
		serve.WithMetrics(metrics),
		serve.WithEnvironment(cfg.Environment),
		serve.WithReadyTimeout(cfg.ReadyTimeout),
		serve.WithTerminateTimeout(cfg.TerminateTimeout),
		serve.WithHeartbeatInterval(cfg.HeartbeatInterval),
		serve.WithMaxHeartbeatFailures(cfg.MaxHeartbeatFailures),
	)

	go func() {
		select {
		case <-sup.Ready():
			sess, _ := sup.Session()
			out.PrintStatus(fmt.Sprintf("Serving %s in session %s (environment %s), watching %s",
				launcher.Description(), sess.ID, sess.Environment, strings.Join(cfg.Watch, ", ")))
		case <-ctx.Done():
		}
	}()

	return sup.Run(ctx)
}
