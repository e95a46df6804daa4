// Package main provides the entry point for the andry test generation CLI
// and HTTP API server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/timzinin/andry/internal/agents"
	"github.com/timzinin/andry/internal/llm"
	"github.com/timzinin/andry/internal/pipeline"
)

var rootCmd = &cobra.Command{
	Use:   "andry",
	Short: "AI-assisted test generation",
	Long:  "Andry generates unit, integration and e2e tests for source code through a three-stage LLM pipeline: analyze, write tests, validate.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// apiKeyEnvVar names the environment variable holding the key for a provider.
func apiKeyEnvVar(provider string) string {
	if provider == "openai" {
		return "OPENAI_API_KEY"
	}
	return "GEMINI_API_KEY"
}

// resolveAPIKey returns the explicit key or falls back to the provider's
// environment variable.
func resolveAPIKey(provider, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	envVar := apiKeyEnvVar(provider)
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%s environment variable or --api-key flag is required", envVar)
}

// buildCrew creates the LLM client and the three-stage generation crew.
// The caller owns the returned client and must close it.
func buildCrew(ctx context.Context, provider, apiKey string) (*pipeline.Crew, llm.Client, error) {
	client, err := llm.NewClient(ctx, llm.ConfigForProvider(llm.Provider(provider)), apiKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	analyzer, writer, validator, err := agents.NewTestCrew(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create agents: %w", err)
	}

	crew, err := pipeline.NewCrew(analyzer, writer, validator)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create crew: %w", err)
	}
	return crew, client, nil
}
