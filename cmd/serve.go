package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KR7-gen/ai-vent-app/internal/aireply"
	"github.com/KR7-gen/ai-vent-app/internal/config"
	"github.com/KR7-gen/ai-vent-app/internal/logging"
	"github.com/KR7-gen/ai-vent-app/internal/registry"
	"github.com/KR7-gen/ai-vent-app/internal/server"
	"github.com/KR7-gen/ai-vent-app/internal/signaling"
	"github.com/KR7-gen/ai-vent-app/internal/stunserver"
	"github.com/KR7-gen/ai-vent-app/internal/version"
)

var (
	flagServeListen          string
	flagServeSTUNPort        int
	flagServeLegacyBroadcast bool
	flagServeTrustApprovals  bool
	flagServeOpenAIModel     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling hub, the room registry and the AI reply endpoint.

Examples:
  aivent serve
  aivent serve --listen :9000 --stun-port 3478
  OPENAI_API_KEY=sk-... aivent serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.InitWithDefault(slog.LevelInfo)

		cfg, err := config.Load(config.Options{
			ListenAddr:      flagServeListen,
			STUNPort:        flagServeSTUNPort,
			LegacyBroadcast: flagServeLegacyBroadcast,
			TrustApprovals:  flagServeTrustApprovals,
			OpenAIModel:     flagServeOpenAIModel,
		})
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	hub := signaling.NewHub(signaling.Options{
		LegacyBroadcast: cfg.LegacyBroadcast,
		TrustApprovals:  cfg.TrustApprovals,
		Logger:          logger,
	})
	ai := aireply.NewService(aireply.Options{
		APIKey:  cfg.OpenAIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.AIReplyTimeout,
		Logger:  logger,
	})
	if !ai.Configured() {
		logger.Warn("OPENAI_API_KEY not set, AI replies will fail and clients fall back to local reactions")
	}

	router := server.NewRouter(server.Deps{
		Hub:      hub,
		Registry: registry.New(logger),
		AI:       ai,
	})

	var stun *stunserver.Server
	if cfg.STUNPort > 0 {
		var err error
		stun, err = stunserver.Listen(net.JoinHostPort("", strconv.Itoa(cfg.STUNPort)))
		if err != nil {
			return err
		}
		logger.Info("answering STUN binding requests", "addr", stun.Addr())
	}

	logger.Info("starting signaling server", "version", version.Version, "addr", cfg.ListenAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.ListenAddr, router)
	})

	if stun != nil {
		g.Go(func() error {
			return stun.Serve(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("signaling server stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagServeListen, "listen", "l", "", "Listen address (default :8080)")
	serveCmd.Flags().IntVar(&flagServeSTUNPort, "stun-port", 0, "Also answer STUN binding requests on this UDP port")
	serveCmd.Flags().BoolVar(&flagServeLegacyBroadcast, "legacy-broadcast", false, "Broadcast signals that carry no target")
	serveCmd.Flags().BoolVar(&flagServeTrustApprovals, "trust-approvals", false, "Accept approvals from connections that are not the room host")
	serveCmd.Flags().StringVar(&flagServeOpenAIModel, "openai-model", "", "Model used for AI replies")
}
