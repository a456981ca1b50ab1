package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "no-sum.rego")

	regoContent := `package test.nosum

# Forbids the sum operation.
# severity: critical

deny[msg] {
	input.inferences[_].working_interpretation.operation == "sum"
	msg := "sum is not allowed"
}`
	writeFile(t, policyFile, regoContent)

	policies, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy, got %d", len(policies))
	}

	policy := policies[0]
	if policy.Name != "no-sum" {
		t.Errorf("Expected name 'no-sum', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Forbids the sum operation." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata, got %v", policy.Metadata)
	}
}

func TestLoadFromFile_Documents(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		expected []string
	}{
		{
			name: "json policy",
			file: "one.json",
			content: `{"name": "json-policy", "severity": "error",
				"rego": "package j\n\ndeny[msg] { false; msg := \"x\" }"}`,
			expected: []string{"json-policy"},
		},
		{
			name: "yaml policy",
			file: "two.yaml",
			content: `name: yaml-policy
description: from yaml
rego: |
  package y
`,
			expected: []string{"yaml-policy"},
		},
		{
			name: "yaml bundle",
			file: "team.bundle.yml",
			content: `name: team
version: "1.0"
policies:
  - name: first
    enabled: true
    rego: "package first\n"
  - name: second
    enabled: true
    severity: info
    rego: "package second\n"
`,
			expected: []string{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			writeFile(t, path, tt.content)

			policies, err := loader.loadFromFile(path)
			if err != nil {
				t.Fatalf("Failed to load: %v", err)
			}
			if len(policies) != len(tt.expected) {
				t.Fatalf("Expected %d policies, got %d", len(tt.expected), len(policies))
			}
			for i, name := range tt.expected {
				if policies[i].Name != name {
					t.Errorf("Expected %s, got %s", name, policies[i].Name)
				}
				if policies[i].Severity == "" {
					t.Errorf("Expected default severity on %s", name)
				}
				if !policies[i].Enabled {
					t.Errorf("Expected %s to be enabled", name)
				}
			}
		})
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()

	missingRego := filepath.Join(tmpDir, "bad.json")
	writeFile(t, missingRego, `{"name": "bad"}`)
	if _, err := loader.loadFromFile(missingRego); err == nil {
		t.Error("Expected error for policy without rego")
	}

	if _, err := loader.loadFromFile(filepath.Join(tmpDir, "absent.rego")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(tmpDir, "a.rego"), "package a\n")
	writeFile(t, filepath.Join(nested, "b.rego"), "package b\n")
	writeFile(t, filepath.Join(tmpDir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(tmpDir, "broken.json"), "{not json")

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "base.bundle.json")
	writeFile(t, path, `{"name": "base", "version": "2", "policies": [{"name": "p", "enabled": true, "rego": "package p\n"}]}`)

	bundle, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("LoadBundle failed: %v", err)
	}
	if bundle.Name != "base" || bundle.Version != "2" || len(bundle.Policies) != 1 {
		t.Errorf("Unexpected bundle: %+v", bundle)
	}
	if bundle.Policies[0].Severity != SeverityWarning {
		t.Errorf("Expected default severity, got %s", bundle.Policies[0].Severity)
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "no-mul.rego")
	writeFile(t, path, `package test.nomul

# severity: error

import rego.v1

deny contains msg if {
	some inf in input.inferences
	inf.working_interpretation.operation == "mul"
	msg := "mul is not allowed"
}
`)

	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), validPlan())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected loaded policy to deny the plan")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.debounce = 20 * time.Millisecond
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "a.rego"), "package a\n")

	var mu sync.Mutex
	var reloaded [][]Policy
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := loader.Watch(ctx, []string{tmpDir}, func(p []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(tmpDir, "b.rego"), "package b\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		var last []Policy
		if n > 0 {
			last = reloaded[n-1]
		}
		mu.Unlock()
		if len(last) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expected a reload with both policies")
}
