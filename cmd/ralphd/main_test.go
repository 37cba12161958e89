package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCapture(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, args)
	return out.String(), err
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	out, err := runCapture(t)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out, "Usage: ralphd") {
		t.Errorf("output missing usage:\n%s", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, err := runCapture(t, "frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("error = %v, want unknown command", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	_, err := runCapture(t, "-bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("error = %v, want unknown flag", err)
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	_, err := runCapture(t, "-o", "yaml", "version")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("error = %v, want unknown output format", err)
	}
}

func TestRunVersion(t *testing.T) {
	out, err := runCapture(t, "version")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out, "ralphd") {
		t.Errorf("output missing program name:\n%s", out)
	}
}

func TestRunVersionJSON(t *testing.T) {
	out, err := runCapture(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("info = %v, want version field", info)
	}
}

func TestStartRequiresPrompt(t *testing.T) {
	_, err := runCapture(t, "start")
	if err == nil || !strings.Contains(err.Error(), "usage: ralphd start") {
		t.Errorf("error = %v, want start usage", err)
	}
}

func TestStartRequiresSession(t *testing.T) {
	t.Setenv("OPENCODE_SESSION_ID", "")
	_, err := runCapture(t, "start", "fix", "the", "tests")
	if err == nil || !strings.Contains(err.Error(), "no session") {
		t.Errorf("error = %v, want missing session", err)
	}
}

func TestStartRejectsUnknownFlag(t *testing.T) {
	_, err := runCapture(t, "start", "-frequency", "5", "prompt")
	if err == nil || !strings.Contains(err.Error(), "unknown start flag") {
		t.Errorf("error = %v, want unknown start flag", err)
	}
}

func TestStartRejectsBadMax(t *testing.T) {
	t.Setenv("OPENCODE_SESSION_ID", "ses_1")
	_, err := runCapture(t, "start", "-max", "lots", "prompt")
	if err == nil || !strings.Contains(err.Error(), "invalid -max") {
		t.Errorf("error = %v, want invalid -max", err)
	}
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := runCapture(t, "-config", "/nonexistent/ralphd.yaml", "status")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

// writeTestConfig creates a config pointing all state at a temp dir so
// subcommands never touch the real working directory.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ralphd.yaml")
	content := fmt.Sprintf(`server:
  url: http://127.0.0.1:1
  directory: %s
state_file: %s
data_dir: %s
log_level: warn
`, dir, filepath.Join(dir, "state.json"), dir)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestStatusNoLoop(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCapture(t, "-config", cfgPath, "status")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out, "No active ralph loop.") {
		t.Errorf("output = %q", out)
	}
}

func TestStatusJSONNoLoop(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCapture(t, "-config", cfgPath, "-o", "json", "status")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var got struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Active {
		t.Error("active = true, want false")
	}
}

func TestCancelNoLoop(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCapture(t, "-config", cfgPath, "cancel")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out, "No active ralph loop to cancel.") {
		t.Errorf("output = %q", out)
	}
}

func TestStartThenStatusAndCancel(t *testing.T) {
	cfgPath := writeTestConfig(t)
	t.Setenv("OPENCODE_SESSION_ID", "ses_cli")

	out, err := runCapture(t, "-config", cfgPath, "start", "-max", "5", "-promise", "done",
		"fix", "all", "the", "tests")
	if err != nil {
		t.Fatalf("start error = %v", err)
	}
	if !strings.Contains(out, "Ralph loop activated!") {
		t.Errorf("start output = %q", out)
	}

	out, err = runCapture(t, "-config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"ses_cli", "1 of 5", "done"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = runCapture(t, "-config", cfgPath, "cancel")
	if err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	if !strings.Contains(out, "cancelled after 1 iteration") {
		t.Errorf("cancel output = %q", out)
	}
}
