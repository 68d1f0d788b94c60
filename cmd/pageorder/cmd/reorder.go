package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/MeKo-Tech/pageorder/internal/config"
	"github.com/MeKo-Tech/pageorder/internal/pdf"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

// reorderCmd represents the reorder command.
var reorderCmd = &cobra.Command{
	Use:   "reorder <input.pdf>",
	Short: "Reorder the pages of a scanned PDF by their order keys",
	Long: `Read the order key printed in the key region of every page and write a copy
of the document with its pages sorted by that key.

Pages without a recognizable key keep their scan order and follow the keyed
pages. The output defaults to <input>-reordered.pdf next to the input.

Examples:
  pageorder reorder scan.pdf
  pageorder reorder scan.pdf -o sorted.pdf --batch-size 20 --workers 8
  pageorder reorder scan.pdf --crop 0.55,0,1,0.18 --on-no-keys passthrough --json`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runReorder,
}

func init() {
	rootCmd.AddCommand(reorderCmd)
	addReorderFlags(reorderCmd)
}

func addReorderFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "output file (default: <input>-reordered.pdf)")
	cmd.Flags().Int("batch-size", 10, "pages rasterized and held in memory at once")
	cmd.Flags().Int("workers", 4, "pages evaluated concurrently within a batch")
	cmd.Flags().Float64("dpi", 300, "rasterization resolution")
	cmd.Flags().String("crop", "", "key region as fractions 'left,top,right,bottom' (e.g. 0.55,0,1,0.18)")
	cmd.Flags().String("on-no-keys", "reject", "when no page has a key: reject or passthrough")
	cmd.Flags().StringP("language", "l", "eng", "Tesseract language(s), joined with '+'")
	cmd.Flags().String("debug-dir", "", "directory to write preprocessed key regions to")

	cmd.Flags().StringP("password", "p", "", "user password for encrypted PDFs")
	cmd.Flags().String("owner-password", "", "owner password for encrypted PDFs")
	cmd.Flags().Bool("ask-password", false, "prompt for the user password on the terminal")

	cmd.Flags().Bool("json", false, "print the result as JSON")
	cmd.Flags().Bool("no-progress", false, "do not draw a progress bar")
	cmd.Flags().Bool("no-cache", false, "do not use the record cache")
	cmd.Flags().Bool("no-history", false, "do not record the run in the history")
}

// reorderOptions holds the command flags that are not part of the config.
type reorderOptions struct {
	input      string
	output     string
	creds      pdf.Credentials
	jsonOut    bool
	noProgress bool
	stack      stackOptions
}

// applyReorderFlags copies changed flags over the configuration and
// collects the per-run options.
func applyReorderFlags(cmd *cobra.Command, cfg *config.Config, input string) (*reorderOptions, error) {
	flags := cmd.Flags()

	if flags.Changed("batch-size") {
		cfg.Pipeline.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("workers") {
		cfg.Pipeline.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("dpi") {
		cfg.Pipeline.DPI, _ = flags.GetFloat64("dpi")
	}
	if flags.Changed("on-no-keys") {
		cfg.Pipeline.OnNoKeys, _ = flags.GetString("on-no-keys")
	}
	if flags.Changed("language") {
		cfg.Recognition.Language, _ = flags.GetString("language")
	}
	if flags.Changed("debug-dir") {
		cfg.Region.DebugDir, _ = flags.GetString("debug-dir")
	}
	if crop, _ := flags.GetString("crop"); crop != "" {
		if err := cfg.ParseCrop(crop); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &reorderOptions{input: input}
	opts.output, _ = flags.GetString("output")
	if opts.output == "" {
		opts.output = defaultOutputPath(input)
	}
	if filepath.Clean(opts.output) == filepath.Clean(input) {
		return nil, errors.New("output must differ from the input file")
	}
	opts.creds.UserPassword, _ = flags.GetString("password")
	opts.creds.OwnerPassword, _ = flags.GetString("owner-password")
	opts.jsonOut, _ = flags.GetBool("json")
	opts.noProgress, _ = flags.GetBool("no-progress")
	opts.stack.noCache, _ = flags.GetBool("no-cache")
	opts.stack.noHistory, _ = flags.GetBool("no-history")
	return opts, nil
}

// defaultOutputPath places <name>-reordered.pdf next to input.
func defaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "-reordered.pdf"
}

// readPassword prompts on stderr and reads a password without echo.
func readPassword(prompt io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-password needs an interactive terminal")
	}
	_, _ = fmt.Fprint(prompt, "PDF password: ")
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// progressCallbacks draws a progress bar unless output is JSON or progress
// is switched off. Verbose runs also log scan progress.
func progressCallbacks(cmd *cobra.Command, cfg *config.Config, opts *reorderOptions, logger *slog.Logger) pipeline.ProgressCallback {
	multi := pipeline.NewMultiProgressCallback()
	if !opts.jsonOut && !opts.noProgress {
		multi.Add(pipeline.NewBarProgressCallback(cmd.ErrOrStderr(), "Reordering"))
	}
	if cfg.Verbose {
		multi.Add(pipeline.NewLogProgressCallback(logger, slog.LevelDebug).WithInterval(cfg.Pipeline.BatchSize))
	}
	return multi
}

func runReorder(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	opts, err := applyReorderFlags(cmd, cfg, args[0])
	if err != nil {
		return err
	}
	if ask, _ := cmd.Flags().GetBool("ask-password"); ask {
		if opts.creds.UserPassword, err = readPassword(cmd.ErrOrStderr()); err != nil {
			return err
		}
	}

	logger := slog.Default()
	st, err := buildStack(cfg, opts.stack, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()

	tracker := pipeline.NewTracker(pipeline.WithCallback(progressCallbacks(cmd, cfg, opts, logger)))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := st.service.Process(ctx, reorder.Request{
		SourcePath:  opts.input,
		OutputPath:  opts.output,
		Credentials: opts.creds,
	}, tracker)
	if err != nil {
		if errors.Is(err, pipeline.ErrEncrypted) && opts.creds.Empty() {
			return fmt.Errorf("%s: %w (use --password or --ask-password)", opts.input, err)
		}
		return fmt.Errorf("%s: %w", opts.input, err)
	}

	report := newReorderReport(out)
	if opts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return report.writeText(cmd.OutOrStdout())
}

// reorderReport is the printable result of one run.
type reorderReport struct {
	ID          string       `json:"id"`
	Input       string       `json:"input"`
	Output      string       `json:"output"`
	FileHash    string       `json:"file_hash"`
	TotalPages  int          `json:"total_pages"`
	KeyedPages  int          `json:"keyed_pages"`
	MissingKeys int          `json:"missing_keys"`
	FaultPages  int          `json:"fault_pages"`
	NoKeysFound bool         `json:"no_keys_found"`
	Restored    bool         `json:"restored_from_cache"`
	Skipped     []int        `json:"skipped,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
	Pages       []reportPage `json:"pages"`
}

type reportPage struct {
	Position      int    `json:"position"`
	OriginalIndex int    `json:"original_index"`
	OrderKey      string `json:"order_key,omitempty"`
	Fault         string `json:"fault,omitempty"`
}

func newReorderReport(out *reorder.Outcome) reorderReport {
	res := out.Result
	r := reorderReport{
		ID:          out.ID,
		Input:       out.Filename,
		Output:      out.OutputPath,
		FileHash:    out.FileHash,
		TotalPages:  res.TotalPages,
		KeyedPages:  res.KeyedPages,
		MissingKeys: res.MissingKeys,
		FaultPages:  res.FaultPages,
		NoKeysFound: res.NoKeysFound,
		Restored:    res.Restored,
		Skipped:     res.Assembly.Skipped,
		DurationMs:  res.Duration.Milliseconds(),
		Pages:       make([]reportPage, len(res.Records)),
	}
	for i, rec := range res.Records {
		r.Pages[i] = reportPage{Position: i, OriginalIndex: rec.Index, Fault: rec.Fault}
		if rec.Key.Found() {
			r.Pages[i].OrderKey = rec.Key.Value
		}
	}
	return r
}

func (r reorderReport) writeText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Reordered %s -> %s\n", r.Input, r.Output)
	fmt.Fprintf(&b, "Pages: %d total, %d keyed, %d without key", r.TotalPages, r.KeyedPages, r.MissingKeys)
	if r.FaultPages > 0 {
		fmt.Fprintf(&b, " (%d failed)", r.FaultPages)
	}
	b.WriteString("\n")
	if r.NoKeysFound {
		b.WriteString("No order keys found; pages kept in scan order\n")
	}
	if r.Restored {
		b.WriteString("Page keys restored from cache\n")
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&b, "Skipped pages during assembly: %v\n", r.Skipped)
	}
	for _, p := range r.Pages {
		key := p.OrderKey
		if key == "" {
			key = "-"
		}
		fmt.Fprintf(&b, "  %4d  page %4d  %s\n", p.Position+1, p.OriginalIndex+1, key)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
