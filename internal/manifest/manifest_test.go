package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateExtractsMetadata(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
name: demo-app
version: "1.2.0"
channels:
  - conda-forge
environments:
  default:
    - environment.yml
`)

	v := NewValidator()
	result, err := v.Validate(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatal("expected valid result")
	}
	if result.ProjectName != "demo-app" {
		t.Fatalf("expected project name demo-app, got %q", result.ProjectName)
	}
	if result.Version != "1.2.0" {
		t.Fatalf("expected version 1.2.0, got %q", result.Version)
	}
	if len(result.Environments) != 1 || result.Environments[0] != "default" {
		t.Fatalf("unexpected environments: %v", result.Environments)
	}
}

func TestValidateMissingManifest(t *testing.T) {
	dir := t.TempDir()

	_, err := NewValidator().Validate(dir)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidateMissingDirectory(t *testing.T) {
	_, err := NewValidator().Validate(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidateBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "name: [unterminated")

	_, err := NewValidator().Validate(dir)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidateWarnsOnMissingName(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "channels:\n  - defaults\n")

	result, err := NewValidator().Validate(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProjectName != "unknown" {
		t.Fatalf("expected fallback name, got %q", result.ProjectName)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warnings for missing name")
	}
}

func TestValidateWarnsOnPipFiles(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "name: demo\nenvironments:\n  default: []\n")
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := NewValidator().Validate(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "requirements.txt") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected requirements.txt warning, got %v", result.Warnings)
	}
}

func TestGenerateBuildSpecCustomSteps(t *testing.T) {
	content := GenerateBuildSpec([]string{"apt-get update", ""})
	if !strings.Contains(content, "RUN apt-get update") {
		t.Fatal("expected custom step in build spec")
	}
	idx := strings.Index(content, "RUN apt-get update")
	prepare := strings.Index(content, customStepMarker)
	if idx > prepare {
		t.Fatal("custom steps must come before the prepare stage")
	}
}

func TestEnsureBuildSpecWritesOnce(t *testing.T) {
	dir := t.TempDir()

	path, err := EnsureBuildSpec(dir, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "continuumio/miniconda3") {
		t.Fatal("expected conda base image in generated Dockerfile")
	}

	// An existing Dockerfile is never overwritten.
	if err := os.WriteFile(path, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureBuildSpec(dir, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "FROM scratch\n" {
		t.Fatal("existing Dockerfile was overwritten")
	}
}
