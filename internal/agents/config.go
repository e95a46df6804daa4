// Package agents provides the LLM-backed capability providers that execute
// pipeline stages. Role and task text is opaque configuration: the core
// never branches on its content.
package agents

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed agents.yaml tasks.yaml
var configFiles embed.FS

// RoleConfig describes one agent persona. The text is treated as data.
type RoleConfig struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// TaskConfig describes one stage task handed to an agent.
type TaskConfig struct {
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

// cache stores parsed config files to avoid repeated YAML parsing
var (
	rolesCache map[string]RoleConfig
	tasksCache map[string]TaskConfig
	cacheMu    sync.Mutex
)

// LoadRoles parses and caches the embedded agents.yaml.
func LoadRoles() (map[string]RoleConfig, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if rolesCache != nil {
		return rolesCache, nil
	}

	data, err := configFiles.ReadFile("agents.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read agents.yaml: %w", err)
	}

	var roles map[string]RoleConfig
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("failed to parse agents.yaml: %w", err)
	}

	rolesCache = roles
	return roles, nil
}

// LoadTasks parses and caches the embedded tasks.yaml.
func LoadTasks() (map[string]TaskConfig, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if tasksCache != nil {
		return tasksCache, nil
	}

	data, err := configFiles.ReadFile("tasks.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks.yaml: %w", err)
	}

	var tasks map[string]TaskConfig
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse tasks.yaml: %w", err)
	}

	tasksCache = tasks
	return tasks, nil
}

// roleFor returns the named role config or an error naming what is missing.
func roleFor(name string) (RoleConfig, error) {
	roles, err := LoadRoles()
	if err != nil {
		return RoleConfig{}, err
	}
	cfg, ok := roles[name]
	if !ok {
		return RoleConfig{}, fmt.Errorf("role %q not found in agents.yaml", name)
	}
	return cfg, nil
}

// taskFor returns the named task config or an error naming what is missing.
func taskFor(name string) (TaskConfig, error) {
	tasks, err := LoadTasks()
	if err != nil {
		return TaskConfig{}, err
	}
	cfg, ok := tasks[name]
	if !ok {
		return TaskConfig{}, fmt.Errorf("task %q not found in tasks.yaml", name)
	}
	return cfg, nil
}

// Format replaces template placeholders in the form {{.Key}} with values
// from data. This is a simple template system for prompt assembly.
func Format(template string, data map[string]string) string {
	result := template
	for key, value := range data {
		placeholder := fmt.Sprintf("{{.%s}}", key)
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result
}
