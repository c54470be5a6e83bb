package main

import (
	"context"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/service"
	"github.com/Tyrowin/roomchat/internal/typing"
)

func main() {
	cfg := config.Load().Sanitize()
	logger := logging.New(os.Stdout, cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Strs("rooms", cfg.DefaultRooms).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("starting roomchat server")

	if code := run(context.Background(), cfg, logger); code != 0 {
		logger.Error().Int("exit_code", code).Msg("shutdown completed with errors")
		os.Exit(code)
	}
	logger.Info().Msg("shutdown completed")
}

// run serves until a termination signal arrives, ctx is cancelled or the
// listener fails, then shuts every component down. It returns the process
// exit code.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) int {
	cfg = cfg.Sanitize()

	dir := chat.NewDirectory(cfg.DefaultRooms,
		chat.WithMaxHistory(cfg.MaxHistory),
		chat.WithAutoCreateRooms(cfg.AutoCreateRooms),
	)
	brk := broker.New(broker.Config{
		QueueSize: cfg.SubscriberQueueSize,
		Logger:    logger,
	})
	tracker := typing.New(brk, dir, typing.Config{
		Expiry:        cfg.Typing.Expiry,
		SweepInterval: cfg.Typing.SweepInterval,
		Logger:        logger,
	})
	svc := service.New(dir, brk, tracker, logger)
	srv := server.New(cfg, svc, logger)
	srv.Start()

	// runCtx is the shutdown trigger. It ends on the caller's cancellation
	// or when the run group fails.
	runCtx, stopRunning := context.WithCancel(ctx)
	defer stopRunning()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	g.Go(srv.ListenAndServe)

	failed := make(chan error, 1)
	go func() {
		err := g.Wait()
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
			stopRunning()
		}
		failed <- err
	}()

	exit := gfshutdown.GracefulShutdown(runCtx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"server": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
		"typing": func(context.Context) error {
			stopRunning()
			return nil
		},
		"broker": func(ctx context.Context) error {
			return brk.Close(ctx)
		},
	})

	code := <-exit
	if err := <-failed; err != nil && code == 0 {
		code = 1
	}
	return code
}
