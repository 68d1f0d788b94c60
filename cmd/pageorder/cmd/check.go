package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/pageorder/internal/config"
	"github.com/MeKo-Tech/pageorder/internal/recognizer/tesseract"
)

// checkCmd represents the check command.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the Tesseract setup and the configuration",
	Long: `Check that Tesseract is linked and that the resolved configuration is
usable for reordering.

This command performs basic checks to ensure:
- The Tesseract library can be loaded
- The configuration validates
- The reorder service can be built from it`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChecks(cmd.OutOrStdout(), GetConfig())
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runChecks(out io.Writer, cfg *config.Config) error {
	_, _ = fmt.Fprintln(out, "Checking pageorder setup...")

	engine := tesseract.New(cfg.ToEngineOptions())
	_, _ = fmt.Fprintf(out, "Tesseract version: %s\n", engine.Version())
	_, _ = fmt.Fprintf(out, "Languages: %s\n", strings.Join(cfg.Languages(), ", "))

	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(out, "Configuration invalid: %v\n", err)
		return err
	}
	_, _ = fmt.Fprintln(out, "Configuration valid")

	st, err := buildStack(cfg, stackOptions{noCache: true, noHistory: true}, discardLogger())
	if err != nil {
		_, _ = fmt.Fprintf(out, "Service setup failed: %v\n", err)
		return err
	}
	_ = st.Close()

	s := st.service.Settings()
	_, _ = fmt.Fprintf(out, "Key region: left=%.2f top=%.2f right=%.2f bottom=%.2f\n",
		s.Region.Box.Left, s.Region.Box.Top, s.Region.Box.Right, s.Region.Box.Bottom)
	_, _ = fmt.Fprintf(out, "Profiles: %d, patterns: %d, preferred prefix: %s\n",
		len(s.Profiles), len(s.Patterns), s.PreferredPrefix)
	_, _ = fmt.Fprintln(out, "All checks passed.")
	return nil
}
