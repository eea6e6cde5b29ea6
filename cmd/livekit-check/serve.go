package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/server/telephony"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the token and telephony HTTP API",
	Long: `Serve issues participant tokens for agent rooms, places outbound calls
through LiveKit SIP and reports the project's trunk and dispatch setup.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, "telephony-server", true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	cfg := a.cfg
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv := telephony.NewServer(cfg.LiveKit, telephony.NewLiveKitClients(cfg.LiveKit),
		telephony.WithAgentName(cfg.Agent.Name),
		telephony.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		telephony.WithMetadataLoader(a.loader),
		telephony.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	a.runMetrics(gctx, g)
	g.Go(func() error {
		logger.Info("telephony server listening", "addr", addr, "agent", cfg.Agent.Name)
		if err := srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("telephony server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
