// Package main provides the litmine CLI for mining structured facts from the
// scientific literature.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/litmine/internal/config"
	"github.com/bull/litmine/internal/doccache"
	"github.com/bull/litmine/internal/extraction"
	"github.com/bull/litmine/internal/pipeline"
	"github.com/bull/litmine/internal/ranking"
	"github.com/bull/litmine/internal/schema"
	"github.com/bull/litmine/internal/source"
	"github.com/bull/litmine/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "litmine",
	Short: "Literature mining pipeline",
	Long: `litmine searches the biomedical literature, fetches papers through a
full-text / abstract / open-access PDF fallback chain, ranks their sections
against a configured research question, extracts structured answers with a
language model, and writes them into a relational table derived from the
configuration.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full mining pipeline",
	Long: `Expands the configured input parameters into all combinations, searches
the literature index for each, and processes every hit end to end.

Environment variables:
  OPENAI_API_KEY        OpenAI API key for extraction (required)
  LITMINE_*             Override any config field, e.g. LITMINE_DATABASE_TABLE`,
	RunE: runRun,
}

var initTableCmd = &cobra.Command{
	Use:   "init-table",
	Short: "Create the destination table from the configured schema",
	RunE:  runInitTable,
}

var resetTableCmd = &cobra.Command{
	Use:   "reset-table",
	Short: "Drop and recreate the destination table",
	RunE:  runResetTable,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate the configuration and print the derived table layout",
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "litmine.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initTableCmd)
	rootCmd.AddCommand(resetTableCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	start := time.Now()

	cfg, logger, err := load()
	if err != nil {
		return err
	}

	fmt.Println("Starting run...")
	fmt.Println()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.CreateTable(ctx); err != nil {
		return err
	}

	cache, err := doccache.New(filepath.Join(cfg.Cache.Dir, "documents"))
	if err != nil {
		return fmt.Errorf("creating document cache: %w", err)
	}
	src, err := source.New(cfg.Source, cache, filepath.Join(cfg.Cache.Dir, "tei"), logger)
	if err != nil {
		return fmt.Errorf("creating document source: %w", err)
	}

	invoker, err := extraction.NewOpenAIInvoker(cfg.Extraction.Model, cfg.Extraction.Temperature)
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}
	registry := schema.NewRegistry(cfg.Prompt.OutputFeatures)
	prompt := extraction.NewPromptBuilder(cfg.Prompt.ResearchGoal, cfg.Prompt.InformationToExclude, cfg.Prompt.Examples, registry)
	extractor := extraction.New(invoker, registry, prompt, cfg.Extraction.Pricing,
		cfg.Extraction.Model, cfg.Extraction.MaxConcurrent, logger)

	p := pipeline.New(src, ranking.New(cfg.Ranking.TopSections), extractor, st, pipeline.Config{
		Params:           cfg.Prompt.InputParameters,
		QuestionTemplate: cfg.Prompt.ResearchQuestion,
		Overwrite:        cfg.Processing.OverwriteExisting,
	}, logger)

	report, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Run complete!")
	fmt.Printf("  Run ID:    %s\n", report.RunID)
	fmt.Printf("  Attempted: %d\n", report.Attempted)
	fmt.Printf("  Written:   %d\n", report.Written)
	fmt.Printf("  Skipped:   %d (already present)\n", report.SkippedExisting)
	fmt.Printf("  Failed:    %d\n", report.Failed)
	fmt.Printf("  Dropped:   %d (not retrievable)\n", report.Dropped)
	fmt.Printf("  Cost:      $%.4f\n", report.TotalCost)
	fmt.Printf("  Duration:  %s\n", report.Duration.Round(time.Second))
	fmt.Println()
	fmt.Printf("Total time: %s\n", time.Since(start).Round(time.Second))

	return nil
}

func runInitTable(cmd *cobra.Command, args []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CreateTable(context.Background()); err != nil {
		return err
	}
	fmt.Printf("Table %s ready in %s\n", cfg.Database.Table, cfg.Database.Path)
	return nil
}

func runResetTable(cmd *cobra.Command, args []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.DropTable(ctx); err != nil {
		return err
	}
	if err := st.CreateTable(ctx); err != nil {
		return err
	}
	fmt.Printf("Table %s reset in %s\n", cfg.Database.Table, cfg.Database.Path)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := load()
	if err != nil {
		return err
	}

	fmt.Println("Configuration OK")
	fmt.Println()
	fmt.Printf("Table: %s (%s)\n", cfg.Database.Table, cfg.Database.Path)
	fmt.Println("Columns:")
	for _, col := range store.TableColumns(cfg.Prompt.InputParameters, cfg.Prompt.OutputFeatures) {
		fmt.Printf("  %s %s\n", col.Name, col.Type)
	}

	combos := schema.Combinations(cfg.Prompt.InputParameters)
	fmt.Println()
	fmt.Printf("Parameter combinations: %d\n", len(combos))
	if len(combos) > 0 {
		fmt.Printf("First query:    %s\n", schema.BuildQuery(combos[0], cfg.Source.ExtraKeywords))
		fmt.Printf("First question: %s\n", schema.FormatQuestion(cfg.Prompt.ResearchQuestion, cfg.Prompt.InputParameters, combos[0]))
	}
	return nil
}

func load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	return store.Open(cfg.Database.Path, cfg.Database.Table,
		cfg.Prompt.InputParameters, cfg.Prompt.OutputFeatures, logger)
}
