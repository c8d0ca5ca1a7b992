package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the declarative project descriptor expected at the root of
// every deployable project.
const ManifestFile = "conda-project.yml"

// ErrInvalid indicates the project directory failed validation.
var ErrInvalid = errors.New("manifest: invalid project")

// Manifest mirrors the fields of interest in conda-project.yml.
type Manifest struct {
	Name         string                 `yaml:"name"`
	Version      string                 `yaml:"version"`
	Environments map[string]any         `yaml:"environments"`
	Channels     []string               `yaml:"channels"`
	Dependencies map[string]any         `yaml:"dependencies"`
	Commands     map[string]any         `yaml:"commands"`
	Variables    map[string]interface{} `yaml:"variables"`
}

// Result carries the outcome of validating a project directory.
type Result struct {
	Valid        bool     `json:"valid"`
	ProjectName  string   `json:"project_name"`
	Version      string   `json:"project_version,omitempty"`
	ResolvedPath string   `json:"resolved_path"`
	Environments []string `json:"environments,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Validator checks project directories for a parseable manifest.
type Validator struct{}

// NewValidator constructs a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks that path contains a valid project manifest and extracts
// its metadata. Schema problems come back as ErrInvalid with detail.
func (v *Validator) Validate(path string) (*Result, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: project path does not exist: %s", ErrInvalid, resolved)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: project path is not a directory: %s", ErrInvalid, resolved)
	}

	manifestPath := filepath.Join(resolved, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: no %s found in %s", ErrInvalid, ManifestFile, resolved)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML in %s: %v", ErrInvalid, ManifestFile, err)
	}

	result := &Result{
		Valid:        true,
		ProjectName:  m.Name,
		Version:      m.Version,
		ResolvedPath: resolved,
		Channels:     m.Channels,
	}
	if result.ProjectName == "" {
		result.ProjectName = "unknown"
		result.Warnings = append(result.Warnings, "project name not specified in "+ManifestFile)
	}
	for env := range m.Environments {
		result.Environments = append(result.Environments, env)
	}
	if len(m.Environments) == 0 {
		result.Warnings = append(result.Warnings, "no environments defined in "+ManifestFile)
	}

	// Files that suggest the project was not set up for conda-project.
	for _, name := range []string{"requirements.txt", "setup.py", "pyproject.toml"} {
		if _, err := os.Stat(filepath.Join(resolved, name)); err == nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("found %s - consider declaring dependencies in %s", name, ManifestFile))
		}
	}

	return result, nil
}
