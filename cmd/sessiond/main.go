package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guseggert/liveserve/remote"
)

func main() {
	app := &cli.App{
		Name:  "sessiond",
		Usage: "the session server that liveserve applications attach to",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "heartbeat-timeout",
				Usage:   "Duration to wait for a heartbeat before ending a session.",
				Value:   "1m",
				EnvVars: []string{"SESSIOND_HEARTBEAT_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "127.0.0.1:8080",
				EnvVars: []string{"SESSIOND_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"SESSIOND_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "ca-cert-pem",
				Usage:   "The CA cert PEM bytes to use (base64-encoded). Enables mTLS together with --cert-pem and --key-pem.",
				EnvVars: []string{"SESSIOND_CA_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "cert-pem",
				Usage:   "The cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"SESSIOND_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "key-pem",
				Usage:   "The key PEM bytes to use (base64-encoded).",
				EnvVars: []string{"SESSIOND_KEY_PEM"},
			},
		},
		Commands: []*cli.Command{
			certsCommand(),
		},
		Action: func(ctx *cli.Context) error {
			heartbeatTimeoutStr := ctx.String("heartbeat-timeout")
			listenAddr := ctx.String("listen-addr")

			heartbeatTimeout, err := time.ParseDuration(heartbeatTimeoutStr)
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			opts := []remote.Option{
				remote.WithLogger(logger),
				remote.WithLogLevel(level),
				remote.WithHeartbeatTimeout(heartbeatTimeout),
				remote.WithListenAddr(listenAddr),
			}

			if ctx.String("cert-pem") != "" {
				caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
				if err != nil {
					return fmt.Errorf("decoding CA cert PEM: %w", err)
				}
				certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
				if err != nil {
					return fmt.Errorf("decoding cert PEM: %w", err)
				}
				keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
				if err != nil {
					return fmt.Errorf("decoding key PEM: %w", err)
				}
				opts = append(opts, remote.WithTLS(caCertPEMBytes, certPEMBytes, keyPEMBytes))
			}

			srv := remote.NewServer(opts...)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigs
				srv.Stop()
			}()

			return srv.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func certsCommand() *cli.Command {
	return &cli.Command{
		Name:  "certs",
		Usage: "Generate a CA, server and client certs, printed as base64-encoded PEM environment assignments.",
		Action: func(ctx *cli.Context) error {
			certs, err := remote.GenerateCerts()
			if err != nil {
				return err
			}
			enc := base64.StdEncoding.EncodeToString
			out := ctx.App.Writer
			fmt.Fprintf(out, "SESSIOND_CA_CERT_PEM=%s\n", enc(certs.CA.CertPEMBytes))
			fmt.Fprintf(out, "SESSIOND_CERT_PEM=%s\n", enc(certs.Server.CertPEMBytes))
			fmt.Fprintf(out, "SESSIOND_KEY_PEM=%s\n", enc(certs.Server.KeyPEMBytes))
			fmt.Fprintf(out, "LIVESERVE_CA_CERT_PEM=%s\n", enc(certs.CA.CertPEMBytes))
			fmt.Fprintf(out, "LIVESERVE_CERT_PEM=%s\n", enc(certs.Client.CertPEMBytes))
			fmt.Fprintf(out, "LIVESERVE_KEY_PEM=%s\n", enc(certs.Client.KeyPEMBytes))
			return nil
		},
	}
}
