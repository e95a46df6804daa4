package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

//go:embed calculator.py
var exampleSource string

var exampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Write a sample source file to try the generator on",
	Long:  `Writes a small Python calculator module to the current directory. Run "andry generate --source calculator.py" afterwards to see the pipeline in action.`,
	RunE:  runExample,
}

var exampleDir string

func init() {
	exampleCmd.Flags().StringVar(&exampleDir, "dir", ".", "Directory to write the sample file to")
	rootCmd.AddCommand(exampleCmd)
}

func runExample(_ *cobra.Command, _ []string) error {
	path := filepath.Join(exampleDir, "calculator.py")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, []byte(exampleSource), 0644); err != nil {
		return fmt.Errorf("failed to write sample file: %w", err)
	}

	fmt.Printf("Wrote sample source to %s\n\n", path)
	fmt.Print(exampleSource)
	fmt.Printf("\nTry: andry generate --source %s --type unit --framework pytest\n", path)
	return nil
}
