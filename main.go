// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/logging"
	"github.com/petervdpas/goopcall/internal/viewer"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "goop.json"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "goopcall",
		Short:        "Peer-to-peer calls with presence and call history",
		SilenceUsage: true,
	}
	root.AddCommand(peerCmd(), historyCmd(), versionCmd())
	return root
}

func peerCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "peer <peer-directory>",
		Short: "Run one peer from its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, err := resolvePeerDir(args[0])
			if err != nil {
				return err
			}
			if user == "" {
				user = filepath.Base(dir)
			}
			cfg, created, err := config.Ensure(cfgPath, user)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logs := viewer.NewLogBuffer(cfg.Log.Buffer)
			closeLogs, err := logging.Setup(cfg.Log, dir, logs)
			if err != nil {
				return err
			}
			defer closeLogs()
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "created %s for %s\n", cfgPath, cfg.Identity.UserID)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, app.Options{
				PeerDir: dir,
				CfgPath: cfgPath,
				Cfg:     cfg,
				Logs:    logs,
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id for a new config (default: directory name)")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <peer-directory>",
		Short: "Print recent calls of a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, err := resolvePeerDir(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return app.PrintHistory(cmd.Context(), dir, cfg, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of records (default: call.history_limit)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goopcall v%s\n", appVersion)
		},
	}
}

func resolvePeerDir(arg string) (dir, cfgPath string, err error) {
	dir, err = filepath.Abs(arg)
	if err != nil {
		return "", "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create peer directory: %w", err)
	}
	return dir, filepath.Join(dir, cfgName), nil
}
