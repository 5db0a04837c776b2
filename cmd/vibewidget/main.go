// vibewidget generates, sandboxes and self-corrects data widgets from
// natural-language descriptions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vibewidget/internal/audit"
	"vibewidget/internal/config"
	"vibewidget/internal/diff"
	"vibewidget/internal/hostsync"
	"vibewidget/internal/llm"
	"vibewidget/internal/logging"
	"vibewidget/internal/sandbox"
	"vibewidget/internal/statebus"
)

var (
	// Global flags
	verbose    bool
	apiKey     string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vibewidget",
	Short: "vibewidget - sandboxed widget generation with self-correction",
	Long: `vibewidget turns a natural-language description plus a data file into a
rendered widget. Generated code runs in an interpreter sandbox; failures
feed a bounded repair loop that asks the model to fix its own code.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [description]",
	Short: "Generate, sandbox and render a widget from a description",
	Long: `Generates widget code for the description, compiles it in the sandbox
and renders it with the given data. Compile and runtime failures are fed
back to the model for repair, bounded by the retry budget.

Example:
  vibewidget run "a bar chart of revenue by region" --data revenue.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWidget,
}

var diffCmd = &cobra.Command{
	Use:   "diff [old-file] [new-file]",
	Short: "Show hunks and changed line ranges between two code versions",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

var auditCmd = &cobra.Command{
	Use:   "audit [code-file]",
	Short: "Build an apply request from audit findings",
	Long: `Reads concern findings from a JSON file, queues every finding against
the code and prints the atomic apply request that would be sent to the
host.

Example:
  vibewidget audit widget.go --findings concerns.json`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active configuration",
	RunE:  showStatus,
}

var (
	dataPath     string
	findingsPath string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY env)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	runCmd.Flags().StringVar(&dataPath, "data", "", "JSON data file rendered by the widget")
	auditCmd.Flags().StringVar(&findingsPath, "findings", "", "JSON file with concern findings (required)")
	auditCmd.MarkFlagRequired("findings")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runWidget(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no API key: pass --api-key or set GEMINI_API_KEY")
	}
	if ws, err := os.Getwd(); err == nil {
		_ = logging.Initialize(ws)
		defer logging.CloseAll()
		logging.Boot("vibewidget %s starting, retry budget %d", cfg.Version, cfg.Sandbox.MaxRetries)
	}

	description := strings.Join(args, " ")
	logger.Info("Processing description", zap.String("input", description))

	input := "{}"
	if dataPath != "" {
		raw, err := os.ReadFile(dataPath)
		if err != nil {
			return fmt.Errorf("failed to read data file: %w", err)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("data file %s is not valid JSON", dataPath)
		}
		input = string(raw)
	}

	client, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return err
	}

	bus := statebus.New()

	printed := 0
	adapter := hostsync.Attach(bus, func(s hostsync.Snapshot) {
		logger.Debug("Host state",
			zap.String("status", s.Status),
			zap.Int("retry_count", s.RetryCount))
		for ; printed < len(s.Logs); printed++ {
			fmt.Println(mutedStyle.Render("  " + s.Logs[printed]))
		}
	})
	defer adapter.Detach()

	rendered := make(chan string, 1)
	compiler := sandbox.NewYaegiCompiler(cfg.Sandbox.ExtraImports...)
	loader := sandbox.NewLoader(bus, compiler,
		sandbox.WithMaxRetries(cfg.Sandbox.MaxRetries),
		sandbox.WithOnLoaded(func(ep sandbox.EntryPoint) {
			runCtx, runCancel := context.WithTimeout(ctx, cfg.GetCompileTimeout())
			defer runCancel()
			out, err := ep(runCtx, input)
			if err != nil {
				// Runtime failures re-enter the repair loop via the bus.
				bus.Set(statebus.KeyErrorMessage, err.Error())
				bus.Flush()
				return
			}
			select {
			case rendered <- out:
			default:
			}
		}))
	loader.Start()
	defer loader.Close()

	regen := llm.NewRegenerator(bus, client,
		llm.WithMaxRetries(cfg.Sandbox.MaxRetries),
		llm.WithDataInfo(summarizeData(input)))
	regen.Start()
	defer regen.Close()

	fmt.Println(titleStyle.Render("vibewidget") + " " + mutedStyle.Render(cfg.Version))
	fmt.Println(infoStyle.Render("Generating: ") + description)

	if err := regen.Generate(ctx, description); err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case out := <-rendered:
			fmt.Println(titleStyle.Render("Rendered output:"))
			fmt.Println(out)
			return nil
		case <-ticker.C:
			snap := adapter.Current()
			if snap.Status == statebus.StatusError {
				msg := snap.ErrorMessage
				if msg == "" {
					msg = "repair loop gave up, see logs"
				}
				return fmt.Errorf("widget failed: %s", msg)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// summarizeData gives the model a compact view of the input shape instead
// of the full payload.
func summarizeData(input string) string {
	var probe any
	if err := json.Unmarshal([]byte(input), &probe); err != nil {
		return "opaque input"
	}
	switch v := probe.(type) {
	case []any:
		if len(v) == 0 {
			return "empty JSON array"
		}
		sample, _ := json.Marshal(v[0])
		return fmt.Sprintf("JSON array of %d records, first record: %s", len(v), sample)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		return "JSON object with keys: " + strings.Join(keys, ", ")
	default:
		return "JSON scalar"
	}
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldRaw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	newRaw, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	fd := diff.Compute(string(oldRaw), string(newRaw))
	if len(fd.Hunks) == 0 {
		fmt.Println(mutedStyle.Render("no changes"))
		return nil
	}

	for _, h := range fd.Hunks {
		fmt.Println(infoStyle.Render(fmt.Sprintf("@@ -%d,%d +%d,%d @@",
			h.OldStart, h.OldCount, h.NewStart, h.NewCount)))
		for _, line := range h.Lines {
			switch line.Type {
			case diff.LineAdded:
				fmt.Println(addedLineStyle.Render("+ " + line.Content))
			case diff.LineRemoved:
				fmt.Println(removedLineStyle.Render("- " + line.Content))
			default:
				fmt.Println("  " + line.Content)
			}
		}
	}

	ranges := diff.ChangedLineRanges(string(newRaw), string(oldRaw))
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.Start == r.End {
			parts = append(parts, fmt.Sprintf("%d", r.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Start, r.End))
		}
	}
	fmt.Println(mutedStyle.Render("changed lines: " + strings.Join(parts, ", ")))
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(findingsPath)
	if err != nil {
		return err
	}
	var findings []audit.Finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return fmt.Errorf("failed to parse findings: %w", err)
	}
	if len(findings) == 0 {
		return fmt.Errorf("no findings in %s", findingsPath)
	}

	session := audit.NewSession(string(code))
	for _, f := range findings {
		session.AcceptFinding(f)
		fmt.Println(warnStyle.Render("• ") + f.Summary + mutedStyle.Render(" ["+string(f.Impact)+"]"))
	}

	req, err := session.BuildApplyRequest()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Apply request:"))
	fmt.Println(string(out))
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(cfg.Name) + " " + mutedStyle.Render(cfg.Version))
	fmt.Printf("  model:            %s\n", cfg.LLM.Model)
	fmt.Printf("  llm timeout:      %s\n", cfg.GetLLMTimeout())
	fmt.Printf("  retry budget:     %d\n", cfg.Sandbox.MaxRetries)
	fmt.Printf("  compile timeout:  %s\n", cfg.GetCompileTimeout())
	fmt.Printf("  audit level:      %s\n", cfg.Audit.Level)
	fmt.Printf("  mandatory approval: %v\n", cfg.Audit.MandatoryApproval)
	if cfg.LLM.APIKey == "" {
		fmt.Println(warnStyle.Render("  no API key configured"))
	} else {
		fmt.Println(infoStyle.Render("  API key configured"))
	}
	return nil
}
