package checks

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/timzinin/andry/internal/schemas"
)

//go:embed coverage_schema.json
var coverageSchema string

// coverageTimeout bounds one pytest run. Generated tests are small; a run
// that takes longer than this is stuck, not slow.
const coverageTimeout = 60 * time.Second

// sourceFileName is the module name the generated tests are told to target.
const sourceFileName = "module_under_test.py"

// CoverageReport describes one pytest coverage run over generated tests.
type CoverageReport struct {
	Ran             bool    `json:"ran"`
	TestsPassed     bool    `json:"tests_passed"`
	CoveragePercent float64 `json:"coverage_percent"`
	MissingLines    []int   `json:"missing_lines,omitempty"`
	Output          string  `json:"output,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// RunCoverage executes the generated pytest file against the source module
// and reports pass/fail plus line coverage. Only python/pytest requests are
// runnable; everything else returns Ran=false. The run happens in a scratch
// directory that is always removed.
func RunCoverage(ctx context.Context, source, testCode, language, framework string) CoverageReport {
	if language != "python" || framework != "pytest" {
		return CoverageReport{Ran: false}
	}
	if _, err := exec.LookPath("python3"); err != nil {
		return CoverageReport{Ran: false, Error: "python3 not found in PATH"}
	}

	dir, err := os.MkdirTemp("", "andry-coverage-*")
	if err != nil {
		return CoverageReport{Ran: false, Error: fmt.Sprintf("creating scratch dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, sourceFileName), []byte(source), 0o600); err != nil {
		return CoverageReport{Ran: false, Error: fmt.Sprintf("writing source: %v", err)}
	}
	if err := os.WriteFile(filepath.Join(dir, "test_generated.py"), []byte(testCode), 0o600); err != nil {
		return CoverageReport{Ran: false, Error: fmt.Sprintf("writing tests: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, coverageTimeout)
	defer cancel()

	reportPath := filepath.Join(dir, "coverage.json")
	cmd := exec.CommandContext(runCtx, "python3", "-m", "pytest", "test_generated.py",
		"--cov=.", "--cov-report=json:"+reportPath, "-q")
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	report := CoverageReport{
		Ran:         true,
		TestsPassed: runErr == nil,
		Output:      out.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		report.TestsPassed = false
		report.Error = fmt.Sprintf("pytest run exceeded %s", coverageTimeout)
		return report
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		// pytest can fail before coverage writes anything, e.g. on a
		// collection error. The pass/fail result still stands.
		report.Error = "no coverage report produced"
		return report
	}

	if err := schemas.ValidateJSONString(coverageSchema, string(data)); err != nil {
		report.Error = fmt.Sprintf("coverage report failed schema validation: %v", err)
		return report
	}

	var parsed struct {
		Totals struct {
			PercentCovered float64 `json:"percent_covered"`
		} `json:"totals"`
		Files map[string]struct {
			MissingLines []int `json:"missing_lines"`
		} `json:"files"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		report.Error = fmt.Sprintf("parsing coverage report: %v", err)
		return report
	}

	report.CoveragePercent = parsed.Totals.PercentCovered
	if f, ok := parsed.Files[sourceFileName]; ok {
		report.MissingLines = f.MissingLines
		sort.Ints(report.MissingLines)
	}
	return report
}
