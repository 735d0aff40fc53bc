package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	validate := newRootCommand()
	validate.SetOut(out)
	validate.SetErr(out)
	validate.SetArgs([]string{"config", "validate", "--path", target})
	if err := validate.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	first := newRootCommand()
	first.SetArgs([]string{"config", "init", "--path", target})
	first.SetOut(&bytes.Buffer{})
	if err := first.Execute(); err != nil {
		t.Fatalf("first init: %v", err)
	}

	second := newRootCommand()
	second.SetArgs([]string{"config", "init", "--path", target})
	second.SetOut(&bytes.Buffer{})
	second.SetErr(&bytes.Buffer{})
	if err := second.Execute(); err == nil {
		t.Fatal("expected an error when the config file already exists")
	}
}

func TestParseStages(t *testing.T) {
	stages, err := parseStages([]string{"acquired", "INDEXED"})
	if err != nil {
		t.Fatalf("parseStages: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("parsed %d stages, want 2", len(stages))
	}
	if _, err := parseStages([]string{"bogus"}); err == nil {
		t.Error("expected an error for an unknown stage")
	}
}
