package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openflow/devctl/agent"
	"github.com/openflow/devctl/bridge"
	"github.com/openflow/devctl/internal/config"
	"github.com/openflow/devctl/logbuf"
	"github.com/openflow/devctl/runner"
	"github.com/openflow/devctl/supervisor"
	"github.com/openflow/devctl/tool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "devagent",
		Usage: "supervises the app in dev mode and drives its UI over the companion socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the agent HTTP server to listen on.",
				Value: cfg.ListenAddr,
			},
			&cli.StringFlag{
				Name:  "app-dir",
				Usage: "Working directory the app is started in.",
				Value: cfg.AppDir,
			},
			&cli.StringFlag{
				Name:  "app-command",
				Usage: "Command that starts the app in dev mode.",
				Value: cfg.AppCommand,
			},
			&cli.StringSliceFlag{
				Name:  "app-arg",
				Usage: "Argument for the app command, repeatable.",
				Value: cli.NewStringSlice(cfg.AppArgs...),
			},
			&cli.StringFlag{
				Name:  "dev-server-url",
				Usage: "Dev server URL probed for readiness.",
				Value: cfg.DevServerURL,
			},
			&cli.StringFlag{
				Name:  "socket-path",
				Usage: "Filesystem path of the app's companion socket.",
				Value: cfg.SocketPath,
			},
			&cli.IntFlag{
				Name:  "log-capacity",
				Usage: "Number of captured app log lines to retain.",
				Value: cfg.LogCapacity,
			},
			&cli.DurationFlag{
				Name:  "stop-grace",
				Usage: "Grace period between SIGTERM and SIGKILL on stop.",
				Value: cfg.StopGrace,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
				Value: cfg.Debug,
			},
		},
		Action: func(ctx *cli.Context) error {
			var (
				logger *zap.Logger
				err    error
			)
			if ctx.Bool("debug") {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			slog := logger.Sugar()

			logs := logbuf.New(ctx.Int("log-capacity"))
			sup := supervisor.New(slog, supervisor.Config{
				Command:       ctx.String("app-command"),
				Args:          ctx.StringSlice("app-arg"),
				WD:            ctx.String("app-dir"),
				DevServerURL:  ctx.String("dev-server-url"),
				SocketPath:    ctx.String("socket-path"),
				ProbeInterval: cfg.ProbeInterval,
				StopGrace:     ctx.Duration("stop-grace"),
			}, logs)
			br := bridge.New(slog, ctx.String("socket-path"))
			run := runner.New(slog)
			dispatcher := tool.NewDispatcher(slog, sup, br, run)

			a, err := agent.New(dispatcher, logs,
				agent.WithLogger(logger),
				agent.WithListenAddr(ctx.String("listen-addr")),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- a.Run() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				slog.Infow("shutting down", "Signal", sig.String())
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err = multierr.Append(br.Disconnect(), sup.Stop(shutdownCtx))
			err = multierr.Append(err, a.Stop())
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
