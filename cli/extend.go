package cli

import (
	"fmt"

	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign"
	"github.com/georgepadayatti/goasic/sign/xades"
	"github.com/spf13/cobra"
)

func newExtendCommand(g *globalOptions) *cobra.Command {
	var profileName, output string
	cmd := &cobra.Command{
		Use:   "extend <container>",
		Short: "Extend every signature of a container to LT or LTA",
		Long: `Extend the signatures of a container with revocation data (LT) and an
archive timestamp (LTA). Time-mark signatures cannot be extended.

Examples:
  goasic extend --profile LT document.asice
  goasic extend --profile LTA --output archived.asice document.asice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := g.setup()
			if err != nil {
				return err
			}
			defer closeLog()

			profile, err := xades.ParseProfile(profileName)
			if err != nil {
				return err
			}
			c, err := container.OpenFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to open container: %w", err)
			}
			sigs, err := sign.ExtendSignatures(cmd.Context(), c, cfg, profile, sign.WithLogger(logger))
			if err != nil {
				return err
			}

			target := output
			if target == "" {
				target = args[0]
			}
			if err := c.SaveFile(target); err != nil {
				return fmt.Errorf("failed to write container: %w", err)
			}
			for _, s := range sigs {
				fmt.Fprintf(cmd.OutOrStdout(), "Signature %s extended to %s\n", s.ID, s.Profile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", xades.ProfileLT.String(), "Target profile: LT or LTA")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the extended container here instead of in place")
	return cmd
}
