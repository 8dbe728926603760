package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwell-ai/inkwell/pkg/logging"
	"github.com/inkwell-ai/inkwell/services/assistant/config"
	"github.com/inkwell-ai/inkwell/services/assistant/engine"
	"github.com/inkwell-ai/inkwell/services/assistant/llm"
	"github.com/inkwell-ai/inkwell/services/assistant/monitor"
	"github.com/inkwell-ai/inkwell/services/assistant/routing"
	"github.com/inkwell-ai/inkwell/services/assistant/secrets"
)

var (
	rootCmd = &cobra.Command{
		Use:   "inkwell",
		Short: "A writing assistant that notices when you are stuck",
		Long: `Inkwell watches writing-session signals (pauses, rewrites,
navigation, distraction) and routes AI text generation across
Anthropic, OpenAI, and Gemini backends.`,
	}
	configPath string
	verbose    bool

	providersCmd = &cobra.Command{
		Use:   "providers",
		Short: "List providers, their configuration state, and models",
		RunE:  runProviders,
	}

	generateCmd = &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one generation call through the routing service",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGenerate,
	}
	taskFlag     string
	streamFlag   bool
	systemFlag   string
	imageFlags   []string
	jsonFlag     bool

	validateKeyCmd = &cobra.Command{
		Use:   "validate-key [key]",
		Short: "Check an API key against a provider's live API",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidateKey,
	}
	providerFlag string

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Run the stuck monitor, feeding it events from stdin",
		Long: `Reads interaction events from stdin, one per line, and prints a
help trigger when the engine decides the writer is stuck:

  type <length>     document length after an edit
  text <snapshot>   full-text snapshot
  nav               scroll/navigation event
  distract <dur>    time spent in a distracting app, e.g. 90s
  return            focus returned to writing
  reset             new session`,
		RunE: runWatch,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(providersCmd)

	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&taskFlag, "task", string(llm.TaskQuickEdit),
		"Task category (draft_suggestion, argument_refinement, context_analysis, stuck_assistance, quick_edit, document_classification)")
	generateCmd.Flags().BoolVar(&streamFlag, "stream", false, "Stream the response as it is generated")
	generateCmd.Flags().StringVar(&systemFlag, "system", "", "System prompt")
	generateCmd.Flags().StringArrayVar(&imageFlags, "image", nil, "Image file to attach (repeatable)")
	generateCmd.Flags().BoolVar(&jsonFlag, "json", false, "Request a JSON response")

	rootCmd.AddCommand(validateKeyCmd)
	validateKeyCmd.Flags().StringVar(&providerFlag, "provider", "", "Provider to validate against (anthropic, openai, gemini)")
	validateKeyCmd.MarkFlagRequired("provider")

	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads the config file when given, otherwise defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// setupLogging installs the process-wide logger from config and flags.
func setupLogging(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "inkwell",
		JSON:    cfg.Logging.Format == "json",
	})
	logger.InstallDefault()
	return logger
}

// buildRouter wires the adapters, loads keys from the secret store, and
// applies the configured default model.
func buildRouter(cfg *config.Config) *routing.Service {
	router := routing.NewService(
		llm.NewAnthropicAdapter(),
		llm.NewOpenAIAdapter(),
		llm.NewGeminiAdapter(),
	)
	router.LoadKeys(secrets.Layered{secrets.NewEnclaveStore(), secrets.EnvStore{}})

	if cfg.Providers.DefaultModel != "" {
		for _, m := range llm.Catalog {
			if m.ID == cfg.Providers.DefaultModel {
				router.SetDefaultModel(m)
				break
			}
		}
	} else if cfg.Providers.Default != "" {
		models := llm.ModelsFor(llm.Provider(cfg.Providers.Default))
		if len(models) > 0 {
			router.SetDefaultModel(models[0])
		}
	}
	return router
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	router := buildRouter(cfg)
	configured := make(map[llm.Provider]bool)
	for _, p := range router.ConfiguredProviders() {
		configured[p] = true
	}

	for _, provider := range []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGemini} {
		state := "not configured"
		if configured[provider] {
			state = "configured"
		}
		fmt.Printf("%s (%s)\n", provider, state)
		for _, m := range llm.ModelsFor(provider) {
			vision := ""
			if m.SupportsVision {
				vision = ", vision"
			}
			fmt.Printf("  %-28s %s (%s%s)\n", m.ID, m.DisplayName, m.Tier, vision)
		}
	}
	if model, ok := router.DefaultModel(); ok {
		fmt.Printf("\ndefault model: %s\n", model.ID)
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	router := buildRouter(cfg)
	prompt := strings.Join(args, " ")
	category := llm.TaskCategory(taskFlag)

	var opts []routing.CallOption
	if systemFlag != "" {
		opts = append(opts, routing.WithSystemPrompt(systemFlag))
	}
	if jsonFlag {
		opts = append(opts, routing.WithJSONFormat())
	}
	if len(imageFlags) > 0 {
		images := make([][]byte, 0, len(imageFlags))
		for _, path := range imageFlags {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read image %s: %w", path, err)
			}
			images = append(images, data)
		}
		opts = append(opts, routing.WithImages(images...))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if streamFlag {
		err := router.GenerateStream(ctx, category, prompt, func(ev llm.StreamEvent) error {
			switch ev.Type {
			case llm.StreamEventToken:
				fmt.Print(ev.Content)
			case llm.StreamEventDone:
				fmt.Println()
			case llm.StreamEventError:
				fmt.Fprintf(os.Stderr, "\nstream error: %s\n", ev.Error)
			}
			return nil
		}, opts...)
		return describeLLMError(err)
	}

	resp, err := router.Generate(ctx, category, prompt, opts...)
	if err != nil {
		return describeLLMError(err)
	}
	fmt.Println(resp.Content)
	if resp.Usage != nil {
		logger.Debug("Token usage",
			"input", resp.Usage.InputTokens, "output", resp.Usage.OutputTokens,
			"model", resp.Model, "duration", resp.Duration)
	}
	return nil
}

func runValidateKey(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	router := buildRouter(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	valid, err := router.ValidateAPIKey(ctx, llm.Provider(providerFlag), args[0])
	if err != nil {
		return describeLLMError(err)
	}
	if !valid {
		return fmt.Errorf("key is invalid for provider %s", providerFlag)
	}
	fmt.Println("key is valid")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	eng := engine.New(cfg.Engine.ToEngine())
	mon := monitor.New(eng, cfg.Monitor.TickInterval.Std(),
		func(ctx context.Context, d engine.TriggerDecision, snap monitor.Snapshot) {
			fmt.Printf(">>> help trigger: %s (score %.2f, state %s)\n",
				d.StuckType, snap.Score, snap.State)
		})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			ev, err := parseWatchEvent(scanner.Text())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if err := mon.Observe(ctx, ev); err != nil {
				return
			}
		}
		stop()
	}()

	if err := mon.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// parseWatchEvent turns one stdin line into a monitor event.
func parseWatchEvent(line string) (monitor.Event, error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	switch fields[0] {
	case "type":
		if len(fields) < 2 {
			return monitor.Event{}, fmt.Errorf("type needs a length argument")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return monitor.Event{}, fmt.Errorf("bad length %q", fields[1])
		}
		return monitor.Event{Kind: monitor.EventTyping, TextLength: n}, nil
	case "text":
		if len(fields) < 2 {
			return monitor.Event{}, fmt.Errorf("text needs a snapshot argument")
		}
		return monitor.Event{Kind: monitor.EventTextContent, Text: fields[1]}, nil
	case "nav":
		return monitor.Event{Kind: monitor.EventNavigation}, nil
	case "distract":
		if len(fields) < 2 {
			return monitor.Event{}, fmt.Errorf("distract needs a duration argument")
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return monitor.Event{}, fmt.Errorf("bad duration %q", fields[1])
		}
		return monitor.Event{Kind: monitor.EventDistraction, Duration: d}, nil
	case "return":
		return monitor.Event{Kind: monitor.EventReturnFromDistraction}, nil
	case "reset":
		return monitor.Event{Kind: monitor.EventSessionReset}, nil
	default:
		return monitor.Event{}, fmt.Errorf("unknown event %q", fields[0])
	}
}

// describeLLMError adds a short hint for the error kinds users can act
// on directly.
func describeLLMError(err error) error {
	if err == nil {
		return nil
	}
	switch llm.KindOf(err) {
	case llm.ErrNotConfigured:
		return fmt.Errorf("%w\nset INKWELL_<PROVIDER>_API_KEY to configure a provider", err)
	case llm.ErrInvalidAPIKey:
		return fmt.Errorf("%w\nthe configured API key was rejected; re-enter your credentials", err)
	case llm.ErrRateLimited:
		return fmt.Errorf("%w\nthe provider is throttling; try again shortly", err)
	default:
		return err
	}
}
