package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"friendsync/pkg/abuse"
	"friendsync/pkg/api"
	"friendsync/pkg/config"
	"friendsync/pkg/metrics"
	"friendsync/pkg/store"
	"friendsync/pkg/syncer"
	"friendsync/pkg/transport"
	"friendsync/pkg/trust"
	"friendsync/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var (
		directoryFile string
		identities    []string
		peers         []string
		noQUIC        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync node",
		Long: `Serves the HTTP API and websocket sync endpoint for the configured identity
and any extra --identity, accepts direct QUIC channels, and dials each --peer
through the configured transport tiers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.UserID == "" {
				return fmt.Errorf("user_id must be configured")
			}

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			graph := trust.NewGraph(logger)
			if directoryFile != "" {
				if err := loadDirectory(directoryFile, graph); err != nil {
					return err
				}
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			sm := metrics.NewSyncMetrics(registry)

			guard := abuse.NewGuard(cfg.AbusePolicy(), st, sm, logger)
			guard.Start(10 * time.Minute)
			defer guard.Stop()

			server := api.NewServer(graph, registry, logger)
			ids := append([]string{cfg.UserID}, identities...)
			managers := make([]*syncer.Manager, 0, len(ids))
			for _, id := range ids {
				m, err := syncer.NewManager(syncer.Options{
					LocalUserID:        types.UserID(id),
					RequestTimeout:     cfg.Sync.RequestTimeout.Std(),
					InboundMessageRate: cfg.Sync.InboundMessageRate,
					InboundBurst:       cfg.Sync.InboundBurst,
				}, graph, st, guard, sm, logger)
				if err != nil {
					return fmt.Errorf("failed to create sync manager for %s: %w", id, err)
				}
				defer m.Close()
				server.Host(m)
				managers = append(managers, m)
			}
			primary := managers[0]

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			httpServer := server.Start(cfg.APIAddress)

			serverTLS, clientTLS, err := transport.SelfSignedTLS()
			if err != nil {
				return fmt.Errorf("failed to create TLS config: %w", err)
			}
			if !noQUIC && cfg.SyncAddress != "" {
				listener, err := transport.ListenQUIC(cfg.SyncAddress, serverTLS)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", cfg.SyncAddress, err)
				}
				defer listener.Close()
				logger.Info("Accepting direct sync channels", zap.String("address", listener.Addr().String()))
				go func() {
					if err := primary.Serve(ctx, listener); err != nil {
						logger.Error("Direct sync listener stopped", zap.Error(err))
					}
				}()
			}

			dialer := transport.NewSchemeDialer()
			ws := transport.NewWebsocketDialer()
			dialer.Register("ws", ws)
			dialer.Register("wss", ws)
			dialer.Register("quic", &transport.QUICDialer{TLS: clientTLS})

			for _, peer := range peers {
				fm := transport.NewFallbackManager(types.UserID(peer), cfg.TransportTiers(), cfg.FallbackOptions(), logger)
				if cfg.Transport.ValidateEndpoints {
					fm.ValidateEndpoints(ctx, &transport.DialProber{Dialer: dialer})
				}
				conn := transport.NewConnection(fm, dialer, sm, logger)
				defer conn.Close()
				go syncWithPeer(ctx, primary, types.UserID(peer), conn, logger)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			logger.Info("Sync node started",
				zap.String("user_id", cfg.UserID),
				zap.Strings("identities", ids),
				zap.String("api_address", cfg.APIAddress),
				zap.String("store", string(cfg.Store)))

			<-sigChan
			logger.Info("Shutting down sync node")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("API server shutdown failed", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&directoryFile, "directory", "", "JSON file listing identities and friendships")
	cmd.Flags().StringSliceVar(&identities, "identity", nil, "additional identity to host on this node")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer to dial through the configured transport tiers")
	cmd.Flags().BoolVar(&noQUIC, "no-quic", false, "do not accept direct QUIC channels")

	return cmd
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		path := filepath.Join(cfg.DataDir, "content")
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := store.OpenLevelStore(path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open content store: %w", err)
		}
		return s, nil
	}
}

// syncWithPeer keeps a session with peer open, redialing after each session
// ends until ctx is done, the peer denies us or every tier is exhausted.
func syncWithPeer(ctx context.Context, m *syncer.Manager, peer types.UserID, conn *transport.Connection, logger *zap.Logger) {
	for {
		session, err := m.Connect(ctx, peer, conn)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Giving up on peer", zap.String("peer", string(peer)), zap.Error(err))
			}
			return
		}

		events := session.Subscribe()
		go func() {
			for ev := range events {
				logger.Debug("Session event",
					zap.String("peer", string(peer)),
					zap.String("event", string(ev.Type)))
			}
		}()

		select {
		case <-ctx.Done():
			return
		case <-session.Done():
		}
		if m.IsDenied(peer) {
			return
		}
	}
}
