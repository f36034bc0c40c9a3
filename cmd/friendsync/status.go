package main

import (
	"context"
	"fmt"
	"time"

	"friendsync/pkg/api"
	"friendsync/pkg/transport"
	"friendsync/pkg/types"
	"friendsync/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

func statsCmd() *cobra.Command {
	var (
		server string
		userID string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show sync statistics of an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				cfg, err := loadConfig()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				userID = cfg.UserID
			}
			if userID == "" {
				return fmt.Errorf("--user is required when no user_id is configured")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			client := api.NewClient(server, types.UserID(userID))
			stats, err := client.SyncStats(ctx, types.UserID(userID))
			if err != nil {
				return fmt.Errorf("failed to fetch stats: %w", err)
			}
			friends, err := client.Friends(ctx, types.UserID(userID))
			if err != nil {
				return fmt.Errorf("failed to fetch friends: %w", err)
			}

			t := newTable("METRIC", "VALUE")
			t.Row("Friends", fmt.Sprintf("%d", stats.FriendsCount))
			t.Row("Original posts", fmt.Sprintf("%d", stats.OriginalCount))
			t.Row("Synced posts", fmt.Sprintf("%d", stats.SyncedCount))
			t.Row("Storage used", fmt.Sprintf("%.2f MB", stats.StorageUsedMB))
			fmt.Println(createPanel("SYNC STATUS: "+string(stats.UserID), t.Render()))

			l := stats.SyncLimits
			limits := newTable("LIMIT", "HOURLY", "DAILY")
			limits.Row("Outbound posts", fmt.Sprintf("%d", l.OutboundHourly), fmt.Sprintf("%d", l.OutboundDaily))
			limits.Row("New account posts", fmt.Sprintf("%d", l.NewUserHourly), fmt.Sprintf("%d", l.NewUserDaily))
			limits.Row("Inbound syncs", fmt.Sprintf("%d", l.InboundHourly), fmt.Sprintf("%d", l.InboundDaily))
			footer := mutedStyle.Render(fmt.Sprintf("bulk limit %d items, max item size %s",
				l.BulkLimit, utils.FormatDataSize(l.MaxContentBytes)))
			fmt.Println(createPanel("SYNC LIMITS", lipgloss.JoinVertical(lipgloss.Left, limits.Render(), footer)))

			if len(friends) > 0 {
				ft := newTable("FRIEND", "NAME", "PUBLIC KEY")
				for _, f := range friends {
					ft.Row(string(f.ID), f.DisplayName, truncate(f.PublicKey, 32))
				}
				fmt.Println(createPanel("FRIENDS", ft.Render()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&userID, "user", "", "identity to query (defaults to the configured user_id)")

	return cmd
}

func tiersCmd() *cobra.Command {
	var (
		probe  string
		peerID string
	)

	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Show the configured transport tiers and optionally probe them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fm := transport.NewFallbackManager(types.UserID(peerID), cfg.TransportTiers(), cfg.FallbackOptions(), nil)

			var failed map[string]struct{}
			switch probe {
			case "":
			case "dial":
				_, clientTLS, err := transport.SelfSignedTLS()
				if err != nil {
					return err
				}
				dialer := transport.NewSchemeDialer()
				ws := transport.NewWebsocketDialer()
				dialer.Register("ws", ws)
				dialer.Register("wss", ws)
				dialer.Register("quic", &transport.QUICDialer{TLS: clientTLS})
				failed = probeAll(fm, &transport.DialProber{Dialer: dialer})
			case "grpc":
				failed = probeAll(fm, &transport.GRPCHealthProber{})
			default:
				return fmt.Errorf("unknown probe %q (use dial or grpc)", probe)
			}

			t := newTable("TIER", "ENDPOINT", "STATUS")
			for _, tier := range fm.Tiers() {
				for _, ep := range tier.Endpoints {
					status := mutedStyle.Render("not probed")
					if failed != nil {
						status = lipgloss.NewStyle().Foreground(accentColor).Render("reachable")
						if _, bad := failed[ep]; bad {
							status = lipgloss.NewStyle().Foreground(dangerColor).Render("unreachable")
						}
					}
					t.Row(tier.Name, ep, status)
				}
			}
			footer := mutedStyle.Render("minimal fallback: " + fm.Options().MinimalFallback)
			fmt.Println(createPanel("TRANSPORT TIERS", lipgloss.JoinVertical(lipgloss.Left, t.Render(), footer)))
			return nil
		},
	}

	cmd.Flags().StringVar(&probe, "probe", "", "probe endpoints with dial or grpc health checks")
	cmd.Flags().StringVar(&peerID, "peer", "", "peer the tiers lead to, for log context")

	return cmd
}

func probeAll(fm *transport.FallbackManager, prober transport.Prober) map[string]struct{} {
	failed := make(map[string]struct{})
	for _, ep := range fm.ValidateEndpoints(context.Background(), prober) {
		failed[ep] = struct{}{}
	}
	return failed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
