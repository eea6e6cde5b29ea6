package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/metrics/prometheus"
	"github.com/Conversly/livekit-check/runtime/session"
	"github.com/Conversly/livekit-check/runtime/transport/wsframes"
	"github.com/Conversly/livekit-check/runtime/turncontext"
	"github.com/Conversly/livekit-check/server/telephony"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Host agent sessions for an external voice pipeline",
	Long: `Agent accepts websocket connections from a voice pipeline worker.
Each connection runs one session: video frames arrive on per-source frame
sockets, completed user turns are enriched with the latest frame, and
pipeline errors are classified into recover, notify or close actions.`,
	RunE: runAgent,
}

var (
	agentAddr   string
	maxSessions int64
)

func init() {
	agentCmd.Flags().StringVar(&agentAddr, "addr", "", "Listen address (overrides server.agent_addr)")
	agentCmd.Flags().Int64Var(&maxSessions, "max-sessions", wsframes.DefaultMaxSessions, "Maximum concurrent sessions")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, "agent-host", false)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	addr := a.cfg.Server.AgentAddr
	if agentAddr != "" {
		addr = agentAddr
	}

	host := wsframes.NewHost(a.sessionFactory(), wsframes.WithMaxSessions(maxSessions))
	if a.exporter != nil {
		a.exporter.MustRegister(prometheus.HostedSessions(host.Len))
	}
	srv := &http.Server{
		Handler:           host.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	a.runMetrics(gctx, g)
	g.Go(func() error {
		logger.Info("agent host listening", "addr", ln.Addr().String(), "max_sessions", maxSessions)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent host: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return errors.Join(host.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// sessionFactory resolves the agent configuration from the start message
// metadata and builds a session wired to the shared dependencies. Outbound
// sessions dial their callee when LiveKit credentials are configured.
func (a *app) sessionFactory() wsframes.SessionFactory {
	cfg := a.cfg
	encoder := turncontext.NewMediaEncoder(cfg.Frames.Encode, cfg.Frames.ImageDetail)

	var dialer session.Dialer
	if cfg.LiveKit.Configured() {
		dialer = telephony.NewDialer(telephony.NewLiveKitClients(cfg.LiveKit).SIP, cfg.LiveKit.OutboundTrunkID)
	} else {
		logger.Info("LiveKit credentials not set, outbound sessions will not dial")
	}

	return func(ctx context.Context, req wsframes.SessionRequest) (*session.Session, *agentconfig.AgentConfig, error) {
		agent, origin := a.loader.Resolve(ctx, req.Start.JobMetadata, req.Start.RoomMetadata)
		logger.InfoContext(ctx, "agent configuration resolved",
			"origin", string(origin), "outbound", agent.IsOutbound())

		s, err := session.New(session.Config{
			ID:                 req.ID,
			Room:               req.Start.Room,
			Participant:        req.Start.Participant,
			Agent:              agent,
			Pipeline:           req.Pipeline,
			Bus:                a.bus,
			Store:              a.store,
			Classifier:         a.classifier,
			Encoder:            encoder,
			Dialer:             dialer,
			MaxFailures:        cfg.Errors.MaxFailures,
			FailureWindow:      cfg.Errors.FailureWindow,
			ProgressEvery:      cfg.Frames.ProgressEvery,
			StabilizationDelay: cfg.Voice.StabilizationDelay,
			Metadata: map[string]string{
				"config_origin": string(origin),
				"llm_model":     cfg.Voice.LLMModel,
				"tts_model":     cfg.Voice.TTSModel,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		return s, agent, nil
	}
}
