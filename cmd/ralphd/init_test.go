package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	configPath := filepath.Join(dir, "ralphd.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "server:") {
		t.Errorf("config content unexpected:\n%s", data)
	}
	if !strings.Contains(out.String(), configPath) {
		t.Errorf("output missing path:\n%s", out.String())
	}
}

func TestInitNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "ralphd.yaml")
	if err := os.WriteFile(configPath, []byte("customized: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "customized: true\n" {
		t.Errorf("existing config was overwritten:\n%s", data)
	}
}

func TestInitCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workspace")
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ralphd.yaml")); err != nil {
		t.Errorf("config missing: %v", err)
	}
}
