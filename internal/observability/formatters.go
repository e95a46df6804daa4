// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxLinesToShow is the default number of output lines to display
	maxLinesToShow = 12
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRequest outputs a human-readable summary of a generation request.
func (p *Printer) PrintRequest(userID, testType, framework, language string, sourceLen int) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("User:      %s\n", userID))
	sb.WriteString(fmt.Sprintf("Type:      %s\n", testType))
	sb.WriteString(fmt.Sprintf("Framework: %s\n", framework))
	sb.WriteString(fmt.Sprintf("Language:  %s\n", language))
	sb.WriteString(fmt.Sprintf("Source:    %d bytes", sourceLen))

	p.printBox("GENERATION REQUEST", sb.String())
}

// PrintStageOutput outputs the first lines of one stage's model output.
func (p *Printer) PrintStageOutput(stage string, output string) {
	output = strings.TrimSpace(output)
	if output == "" {
		return
	}

	lines := strings.Split(output, "\n")
	var sb strings.Builder

	count := min(len(lines), maxLinesToShow)
	for i := 0; i < count; i++ {
		sb.WriteString(lines[i])
		if i < count-1 {
			sb.WriteString("\n")
		}
	}
	if len(lines) > maxLinesToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more lines", len(lines)-maxLinesToShow))
	}

	p.printBox(fmt.Sprintf("STAGE OUTPUT: %s", strings.ToUpper(stage)), sb.String())
}

// PrintDiagnostics outputs pre-validation diagnostics, if any were produced.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintDiagnostics(summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		fmt.Fprintf(p.out, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, "✅ NO DIAGNOSTICS")
		fmt.Fprintf(p.out, "└%s┘\n", strings.Repeat("─", boxWidth-2))
		return
	}

	p.printBox("DIAGNOSTICS", summary)
}

// PrintRunSummary outputs the final state of a run.
func (p *Printer) PrintRunSummary(runID, status string, stages int, artifactLen int) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", runID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", status))
	sb.WriteString(fmt.Sprintf("Stages:   %d\n", stages))
	sb.WriteString(fmt.Sprintf("Artifact: %d bytes", artifactLen))

	p.printBox("RUN COMPLETE", sb.String())
}
