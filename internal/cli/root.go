package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"swcache/internal/swcache"
	"swcache/internal/syncstore/sqlite"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "swcache",
		Short:         "Offline request interception and caching layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newStoresCmd(&configPath),
		newSyncCmd(&configPath),
		newPurgeCmd(&configPath),
	)
	return cmd
}

func newStoresCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List cache stores with entry counts and sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := swcache.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := swcache.OpenRegistry(cfg.Storage.Path, 0)
			if err != nil {
				return err
			}
			defer reg.Close()

			stats, err := reg.Stats()
			if err != nil {
				return err
			}
			current := cfg.Versions()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENTRIES\tBYTES\tCURRENT")
			for _, st := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%t\n", st.Name, st.Entries, st.Bytes, current.Has(st.Name))
			}
			return tw.Flush()
		},
	}
}

func newSyncCmd(configPath *string) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay pending writes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := swcache.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pending, err := sqlite.Open(cfg.Sync.DB)
			if err != nil {
				return fmt.Errorf("open sync db: %w", err)
			}
			defer pending.Close()

			// The replay never touches the caches, so a running server keeps
			// its lock on the registry.
			reg, err := swcache.NewMemRegistry(0)
			if err != nil {
				return err
			}
			defer reg.Close()
			svc, err := swcache.NewService(cfg, swcache.Options{Registry: reg, Pending: pending})
			if err != nil {
				return err
			}
			defer svc.Close()

			if tag == "" {
				tag = cfg.Sync.Tag
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, err := svc.Sync(ctx, tag)
			if err != nil {
				return err
			}
			if report.Ignored {
				fmt.Fprintf(cmd.OutOrStdout(), "ignored tag %q\n", tag)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d replayed=%d failed=%d\n", report.Attempted, report.Replayed, report.Failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "sync tag to fire (default: sync.tag from config)")
	return cmd
}

func newPurgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete cache stores that do not belong to the configured versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := swcache.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			svc, err := swcache.NewService(cfg, swcache.Options{})
			if err != nil {
				return err
			}
			defer svc.Close()

			report := svc.Purge(cmd.Context())
			out := cmd.OutOrStdout()
			for _, name := range report.Deleted {
				fmt.Fprintf(out, "deleted %s\n", name)
			}
			for name, err := range report.Failed {
				fmt.Fprintf(out, "failed %s: %v\n", name, err)
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d stores could not be deleted", len(report.Failed))
			}
			return nil
		},
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
