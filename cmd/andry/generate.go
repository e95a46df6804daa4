package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timzinin/andry/internal/checks"
	"github.com/timzinin/andry/internal/config"
	"github.com/timzinin/andry/internal/db"
	"github.com/timzinin/andry/internal/pipeline"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate tests for a source file",
	Long: `Runs the full generation pipeline on a source file: analyze -> write_tests -> validate.

Configuration can be loaded from a JSON file using --config. Command-line arguments override config file values.`,
	RunE: runGenerateCmd,
}

var (
	genConfigPath  string
	genSource      string
	genOutput      string
	genTestType    string
	genFramework   string
	genLanguage    string
	genAPIKey      string
	genProvider    string
	genDatabaseURL string
	genCoverage    bool
	genVerbose     bool
)

func init() {
	// Config file flag (processed first)
	generateCmd.Flags().StringVar(&genConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")

	generateCmd.Flags().StringVarP(&genSource, "source", "s", "", "Path to the source file to generate tests for (required)")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "", "Path to write the generated tests to (default: stdout)")
	generateCmd.Flags().StringVarP(&genTestType, "type", "t", "", "Test type: unit, integration or e2e")
	generateCmd.Flags().StringVarP(&genFramework, "framework", "f", "", "Test framework: pytest, unittest, jest or mocha")
	generateCmd.Flags().StringVarP(&genLanguage, "language", "l", "", "Source language: python, javascript or typescript (default: inferred from extension)")
	generateCmd.Flags().BoolVar(&genCoverage, "coverage", false, "Execute the generated tests under coverage and feed results to the validator")
	generateCmd.Flags().BoolVarP(&genVerbose, "verbose", "v", false, "Print detailed stage output")

	// API key can be passed as a flag, or read from the provider's env var
	generateCmd.Flags().StringVar(&genAPIKey, "api-key", "", "LLM API key (optional, defaults to GEMINI_API_KEY or OPENAI_API_KEY)")
	generateCmd.Flags().StringVar(&genProvider, "provider", "", "LLM provider: gemini or openai")

	// Database URL for artifact persistence
	generateCmd.Flags().StringVar(&genDatabaseURL, "db-url", "", "PostgreSQL connection URL (optional, defaults to DATABASE_URL env var)")

	_ = generateCmd.MarkFlagRequired("source")

	rootCmd.AddCommand(generateCmd)
}

func runGenerateCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	// Step 1: Load config file if provided
	var cfg config.Config
	if genConfigPath != "" {
		loadedCfg, err := config.LoadConfig(genConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := loadedCfg.Validate(); err != nil {
			return err
		}
		cfg = *loadedCfg
		if genVerbose {
			fmt.Printf("Loaded config from: %s\n", genConfigPath)
		}
	}

	// Step 2: Apply CLI overrides (command-line args take priority)
	if cmd.Flags().Changed("type") {
		cfg.TestType = genTestType
	}
	if cmd.Flags().Changed("framework") {
		cfg.Framework = genFramework
	}
	if cmd.Flags().Changed("language") {
		cfg.Language = genLanguage
	}
	if cmd.Flags().Changed("api-key") {
		cfg.APIKey = genAPIKey
	}
	if cmd.Flags().Changed("provider") {
		cfg.Provider = genProvider
	}
	if cmd.Flags().Changed("db-url") {
		cfg.DatabaseURL = genDatabaseURL
	}
	if cmd.Flags().Changed("coverage") {
		cfg.RunCoverage = genCoverage
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = genVerbose
	}

	// Step 3: Apply defaults for unset values
	cfg = cfg.MergeWithDefaults(config.Config{
		Provider: "gemini",
		TestType: "unit",
	})

	// Step 4: Read the source file
	sourceBytes, err := os.ReadFile(genSource)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	source := string(sourceBytes)
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("source file %s is empty", genSource)
	}
	if cfg.Language == "" {
		cfg.Language = languageFromExtension(genSource)
	}
	if cfg.Framework == "" {
		cfg.Framework = defaultFramework(cfg.Language)
	}

	// Step 5: API key handling
	apiKey, err := resolveAPIKey(cfg.Provider, cfg.APIKey)
	if err != nil {
		return err
	}

	crew, client, err := buildCrew(ctx, cfg.Provider, apiKey)
	if err != nil {
		return err
	}
	defer client.Close()

	// Step 6: Optional database persistence
	var store pipeline.ArtifactStore
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			fmt.Printf("Warning: Failed to connect to database: %v\n", err)
			fmt.Printf("Continuing without database persistence...\n")
		} else {
			defer database.Close()
			store = database
		}
	}

	req := pipeline.Request{
		UserID:    "cli",
		Source:    source,
		TestType:  cfg.TestType,
		Framework: cfg.Framework,
		Language:  cfg.Language,
	}

	run, err := crew.Run(ctx, req, pipeline.RunOptions{
		Store:     store,
		Diagnoser: &checks.Runner{EnableCoverage: cfg.RunCoverage},
		Verbose:   cfg.Verbose,
	})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	artifact := run.Artifact()
	if strings.TrimSpace(artifact) == "" {
		return fmt.Errorf("run %s produced no usable test code", run.ID)
	}

	if genOutput != "" {
		if err := os.WriteFile(genOutput, []byte(artifact), 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Printf("Wrote generated tests to %s\n", genOutput)
	} else {
		fmt.Println(artifact)
	}

	if review := run.Review(); review != "" && cfg.Verbose {
		fmt.Printf("\nValidator review:\n%s\n", review)
	}
	return nil
}

func defaultFramework(language string) string {
	switch language {
	case "javascript", "typescript":
		return "jest"
	default:
		return "pytest"
	}
}

func languageFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js":
		return "javascript"
	case ".ts":
		return "typescript"
	default:
		return "python"
	}
}
