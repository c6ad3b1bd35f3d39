package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Broadcast/internal/api"
	"OpenMCP-Broadcast/internal/auth"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/pipeline"
	"OpenMCP-Broadcast/pkg/logger"
)

type rootOptions struct {
	configPath string
}

// newRootCommand 构造 broadcastd 的命令树。
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "broadcastd",
		Short:         "Two-phase preview and confirm gateway for signed transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to broadcast.json (defaults to $OPENMCP_BROADCAST_CONFIG or configs/broadcast.json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := bootstrap(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	authSvc, err := auth.NewService(a.cfg.Server.AuthTokens)
	if err != nil {
		return err
	}

	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := a.metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(a.cfg.Server.Address, a.pipeline,
		api.WithAuth(authSvc),
		api.WithMetrics(a.metrics),
	)
	logger.L().Info("广播网关启动", slog.String("address", a.cfg.Server.Address), slog.Bool("auth", authSvc.Enabled()))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("广播网关已停止")
	return nil
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and manage staged transactions",
	}

	var (
		list     pipeline.ListRequest
		statuses []string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List staged transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPipeline(cmd.Context(), opts, func(ctx context.Context, p *pipeline.Pipeline) error {
				for _, s := range statuses {
					list.Statuses = append(list.Statuses, pending.Status(s))
				}
				entries, err := p.ListPending(ctx, list)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"items": entries, "count": len(entries)})
			})
		},
	}
	listCmd.Flags().IntVar(&list.Limit, "limit", 0, "maximum number of entries")
	listCmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	listCmd.Flags().StringVar(&list.Network, "network", "", "filter by network")
	listCmd.Flags().StringVar(&list.SourceTool, "source-tool", "", "filter by source tool")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one staged transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), opts, func(ctx context.Context, p *pipeline.Pipeline) error {
				rec, err := p.GetPending(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec.Entry())
			})
		},
	}

	rmCmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Discard a staged transaction",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), opts, func(ctx context.Context, p *pipeline.Pipeline) error {
				if err := p.Remove(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, getCmd, rmCmd)
	return cmd
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired and stale staged transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPipeline(cmd.Context(), opts, func(ctx context.Context, p *pipeline.Pipeline) error {
				res, err := p.Cleanup(ctx, maxAge)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "also remove records created longer ago than this")
	return cmd
}

// withPipeline 为离线命令装配管道，命令结束后释放资源。
func withPipeline(ctx context.Context, opts *rootOptions, fn func(context.Context, *pipeline.Pipeline) error) error {
	a, err := bootstrap(ctx, opts.configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a.pipeline)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
