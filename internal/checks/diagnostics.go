package checks

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/timzinin/andry/internal/pipeline"
)

// maxMissingLinesShown bounds the missing-line list in summaries.
const maxMissingLinesShown = 20

// Runner implements pipeline.Diagnoser. The syntax pass always runs; the
// coverage pass is opt-in because it shells out to pytest.
type Runner struct {
	EnableCoverage bool
}

// Diagnose runs the configured checks concurrently and renders a summary
// for the validator stage. An empty string means nothing was checked or
// nothing is worth reporting.
func (r *Runner) Diagnose(ctx context.Context, code string, req pipeline.Request) string {
	var syn SyntaxResult
	var cov CoverageReport

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		syn = CheckSyntax(gCtx, code, req.Language)
		return nil
	})
	if r.EnableCoverage {
		g.Go(func() error {
			cov = RunCoverage(gCtx, req.Source, code, req.Language, req.Framework)
			return nil
		})
	}
	// Checks report findings, not errors; nothing here aborts the group.
	_ = g.Wait()

	return Summary(syn, cov)
}

// Summary renders check results as plain text for the validator prompt.
func Summary(syn SyntaxResult, cov CoverageReport) string {
	var sb strings.Builder

	if syn.Checked {
		if syn.Valid {
			sb.WriteString("Syntax check: passed\n")
		} else {
			sb.WriteString(fmt.Sprintf("Syntax check: FAILED (%s)\n", syn.Error))
		}
	}

	if cov.Ran {
		if cov.TestsPassed {
			sb.WriteString("Test run: all tests passed\n")
		} else {
			sb.WriteString("Test run: FAILED\n")
		}
		if cov.Error != "" {
			sb.WriteString(fmt.Sprintf("Coverage: unavailable (%s)\n", cov.Error))
		} else {
			sb.WriteString(fmt.Sprintf("Line coverage of module under test: %.1f%%\n", cov.CoveragePercent))
			if len(cov.MissingLines) > 0 {
				sb.WriteString(fmt.Sprintf("Uncovered lines: %s\n", formatLines(cov.MissingLines)))
			}
		}
		if !cov.TestsPassed && cov.Output != "" {
			sb.WriteString("Test output (tail):\n")
			sb.WriteString(tail(cov.Output, 600))
			sb.WriteString("\n")
		}
	} else if cov.Error != "" {
		sb.WriteString(fmt.Sprintf("Test run: skipped (%s)\n", cov.Error))
	}

	return strings.TrimSpace(sb.String())
}

func formatLines(lines []int) string {
	shown := lines
	truncated := false
	if len(shown) > maxMissingLinesShown {
		shown = shown[:maxMissingLinesShown]
		truncated = true
	}
	parts := make([]string, len(shown))
	for i, l := range shown {
		parts[i] = fmt.Sprintf("%d", l)
	}
	s := strings.Join(parts, ", ")
	if truncated {
		s += fmt.Sprintf(" and %d more", len(lines)-maxMissingLinesShown)
	}
	return s
}

// tail returns the last n bytes of s, cut at a line boundary when possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
