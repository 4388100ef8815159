package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models flowline.yml: the workflow definitions a deployment
// serves, plus the role classes that bound reassignment.
type Config struct {
	Deployment struct {
		Name string `yaml:"name"`
	} `yaml:"deployment"`
	Workflows map[string]Workflow `yaml:"workflows"`
	// RoleClasses declare which abstract roles are interchangeable:
	// an invitation may only be reassigned to a role sharing a class
	// with the role it was issued for.
	RoleClasses map[string][]string `yaml:"role_classes"`
	Webhooks    []WebhookConfig     `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes an outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type Workflow struct {
	Title string `yaml:"title"`
	Steps []Step `yaml:"steps"`
}

type Step struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
	Role  string `yaml:"role"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Deployment.Name == "" {
		return fmt.Errorf("config.deployment.name is required")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for name, wf := range c.Workflows {
		if name == "" {
			return fmt.Errorf("config.workflows contains empty workflow name")
		}
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", name)
		}
		seen := map[string]bool{}
		for _, step := range wf.Steps {
			if step.Name == "" {
				return fmt.Errorf("workflow %s has a step without a name", name)
			}
			if seen[step.Name] {
				return fmt.Errorf("workflow %s has duplicate step %s", name, step.Name)
			}
			seen[step.Name] = true
			if step.Role == "" {
				return fmt.Errorf("workflow %s step %s has no role", name, step.Name)
			}
		}
	}
	for class, roles := range c.RoleClasses {
		if class == "" {
			return fmt.Errorf("config.role_classes contains empty class name")
		}
		if len(roles) < 2 {
			return fmt.Errorf("role class %s needs at least two roles", class)
		}
		for _, r := range roles {
			if r == "" {
				return fmt.Errorf("role class %s has empty role id", class)
			}
		}
	}
	return nil
}

// Workflow returns a workflow definition by name.
func (c *Config) Workflow(name string) (Workflow, bool) {
	wf, ok := c.Workflows[name]
	return wf, ok
}

// WorkflowNames returns the definition names in lexical order, so
// listings render the same on every run.
func (c *Config) WorkflowNames() []string {
	names := make([]string, 0, len(c.Workflows))
	for name := range c.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Step returns the named step of a workflow.
func (w Workflow) Step(name string) (Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// NextStep returns the step following the named one, or false when the
// named step is the last.
func (w Workflow) NextStep(name string) (Step, bool) {
	for i, s := range w.Steps {
		if s.Name == name && i+1 < len(w.Steps) {
			return w.Steps[i+1], true
		}
	}
	return Step{}, false
}

// SameRoleClass reports whether two roles may substitute for each other.
// A role is always in its own class.
func (c *Config) SameRoleClass(a, b string) bool {
	if a == b {
		return true
	}
	for _, roles := range c.RoleClasses {
		var hasA, hasB bool
		for _, r := range roles {
			if r == a {
				hasA = true
			}
			if r == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deployment string) string {
	return fmt.Sprintf(defaultTemplate, deployment)
}

// Default returns the default Config struct for a deployment.
func Default(deployment string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, deployment)), &cfg)
	cfg.Deployment.Name = deployment
	return &cfg
}

const defaultTemplate = `deployment:
  name: %s
workflows:
  leave_request:
    title: Leave Request
    steps:
      - name: review
        title: Review leave request
        role: unit_manager
      - name: approve
        title: Approve leave request
        role: department_manager
  expense_report:
    title: Expense Report
    steps:
      - name: audit
        title: Audit expense report
        role: accountant
role_classes:
  managers:
    - unit_manager
    - department_manager
`
