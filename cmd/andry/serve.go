package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/timzinin/andry/internal/checks"
	"github.com/timzinin/andry/internal/config"
	"github.com/timzinin/andry/internal/db"
	"github.com/timzinin/andry/internal/gateway"
	"github.com/timzinin/andry/internal/pipeline"
	"github.com/timzinin/andry/internal/ratelimit"
	"github.com/timzinin/andry/internal/server"
	"github.com/timzinin/andry/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes REST endpoints for running the test generation pipeline.`,
	RunE:  runServe,
}

var (
	serveConfigPath string
	servePort       int
	serveProvider   string
	serveCoverage   bool
	serveVerbose    bool
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "LLM provider: gemini or openai")
	serveCmd.Flags().BoolVar(&serveCoverage, "coverage", false, "Execute generated tests under coverage during runs")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Print detailed stage output")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	var cfg config.Config
	if serveConfigPath != "" {
		loadedCfg, err := config.LoadConfig(serveConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := loadedCfg.Validate(); err != nil {
			return err
		}
		cfg = *loadedCfg
	}

	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("provider") {
		cfg.Provider = serveProvider
	}
	if cmd.Flags().Changed("coverage") {
		cfg.RunCoverage = serveCoverage
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = serveVerbose
	}

	cfg = cfg.MergeWithDefaults(config.Config{
		Provider:          "gemini",
		Port:              8080,
		RateLimit:         ratelimit.DefaultLimit,
		RateWindowSeconds: int(ratelimit.DefaultWindow.Seconds()),
	})

	apiKey, err := resolveAPIKey(cfg.Provider, cfg.APIKey)
	if err != nil {
		return err
	}

	jwtConfig, err := config.NewJWTConfig()
	if err != nil {
		return err
	}

	crew, client, err := buildCrew(ctx, cfg.Provider, apiKey)
	if err != nil {
		return err
	}
	defer client.Close()

	// Database is optional; run history endpoints answer 503 without it.
	var database *db.DB
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL != "" {
		database, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			fmt.Printf("Warning: Failed to connect to database: %v\n", err)
			fmt.Printf("Continuing without database persistence...\n")
			database = nil
		} else {
			defer database.Close()
		}
	}

	runOpts := pipeline.RunOptions{
		Diagnoser: &checks.Runner{EnableCoverage: cfg.RunCoverage},
		Verbose:   cfg.Verbose,
	}
	if database != nil {
		runOpts.Store = database
	}

	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled: true,
		Limit:   cfg.RateLimit,
		Window:  time.Duration(cfg.RateWindowSeconds) * time.Second,
	})
	defer limiter.Stop()

	gw := gateway.New(limiter, session.NewStore(),
		&gateway.CrewRunner{Crew: crew, Opts: runOpts}, nil, gateway.Config{})

	srv := server.New(server.Config{Port: cfg.Port}, gw, crew, runOpts, database, server.NewJWTService(jwtConfig))
	return srv.Start()
}
