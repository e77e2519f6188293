package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/sign/validation/qualified"
	"github.com/spf13/cobra"
)

func newTSLCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsl",
		Short: "Manage the EU trusted lists",
	}

	var watch bool
	var interval time.Duration
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Download and validate the trusted lists",
		Long: `Download the list of trusted lists and the national lists it points to,
verify their signatures and report the accepted trust anchors. With --watch
the lists are refreshed every --interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := g.setup()
			if err != nil {
				return err
			}
			defer closeLog()

			loader, err := qualified.NewTrustedListLoader(cfg, qualified.WithLogger(logger))
			if err != nil {
				return err
			}
			if !watch {
				summary, err := loader.Refresh(cmd.Context())
				printSummary(cmd.OutOrStdout(), summary)
				return err
			}

			if interval <= 0 {
				interval = cfg.TSL.RefreshInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			job := loader.NewJob()
			if err := job.Start(ctx, interval); err != nil {
				return err
			}
			<-ctx.Done()
			job.Stop()
			printSummary(cmd.OutOrStdout(), loader.LastSummary())
			return nil
		},
	}
	refresh.Flags().BoolVar(&watch, "watch", false, "Keep refreshing until interrupted")
	refresh.Flags().DurationVar(&interval, "interval", 0, "Refresh interval for --watch (default from configuration)")

	clearCache := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove the cached trusted lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := qualified.InvalidateCache(cfg.TSL.CacheDir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", cfg.TSL.CacheDir)
			return nil
		},
	}

	cmd.AddCommand(refresh, clearCache)
	return cmd
}

func printSummary(w io.Writer, s *config.TSLRefreshSummary) {
	if s == nil {
		return
	}
	headerColor.Fprintf(w, "Trusted List Refresh\n")
	headerColor.Fprintf(w, "====================\n\n")
	printField(w, "LOTL", s.LOTLURL)
	labelColor.Fprintf(w, "  LOTL signature: ")
	if s.LOTLValid {
		successColor.Fprintln(w, "valid")
	} else {
		errorColor.Fprintln(w, "not valid")
	}
	fmt.Fprintf(w, "  Trust anchors: %d\n", s.Certificates)
	if len(s.Territories) > 0 {
		fmt.Fprintf(w, "  Territories: %v\n", s.Territories)
	}
	for _, loc := range s.Accepted {
		successColor.Fprintf(w, "    + %s\n", loc)
	}
	rejected := make([]string, 0, len(s.Rejected))
	for loc := range s.Rejected {
		rejected = append(rejected, loc)
	}
	sort.Strings(rejected)
	for _, loc := range rejected {
		errorColor.Fprintf(w, "    - %s: %v\n", loc, s.Rejected[loc])
	}
}
