package pipeline

import (
	"fmt"
	"sort"
)

// Stage ordinals. The writer's ordinal doubles as the artifact source.
const (
	OrdinalAnalyze  = 0
	OrdinalWrite    = 1
	OrdinalValidate = 2
)

// Definition defines metadata for a pipeline stage.
type Definition struct {
	Name         string
	Ordinal      int
	Dependencies []string
}

// Registry holds all stage definitions.
var Registry = map[string]Definition{
	"analyze": {
		Name:         "analyze",
		Ordinal:      OrdinalAnalyze,
		Dependencies: []string{},
	},
	"write_tests": {
		Name:         "write_tests",
		Ordinal:      OrdinalWrite,
		Dependencies: []string{"analyze"},
	},
	"validate": {
		Name:         "validate",
		Ordinal:      OrdinalValidate,
		Dependencies: []string{"write_tests"},
	},
}

// Ordered returns the stage definitions in execution order.
func Ordered() []Definition {
	defs := make([]Definition, 0, len(Registry))
	for _, def := range Registry {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Ordinal < defs[j].Ordinal })
	return defs
}

// DependencyError represents a dependency validation error.
type DependencyError struct {
	Stage               string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s missing dependencies: %v", e.Stage, e.MissingDependencies)
}

// ValidateDependencies checks that every dependency of stageName is in the
// completed set.
func ValidateDependencies(stageName string, completed map[string]bool) error {
	def, ok := Registry[stageName]
	if !ok {
		return fmt.Errorf("unknown stage: %s", stageName)
	}

	var missing []string
	for _, dep := range def.Dependencies {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Stage:               stageName,
			MissingDependencies: missing,
		}
	}

	return nil
}
