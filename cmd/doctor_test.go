package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDoctorConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runDoctorWith(t *testing.T, configPath string) string {
	t.Helper()
	prev := cfgFile
	cfgFile = configPath
	t.Cleanup(func() { cfgFile = prev })

	var out bytes.Buffer
	runDoctor(&out)
	return out.String()
}

func TestDoctorReportsAutoBuildIgnored(t *testing.T) {
	path := writeDoctorConfig(t, `{
		tools: {
			wasm: {enabled: true, runtime_path: "/nonexistent/runtime", auto_build: true},
		},
	}`)

	out := runDoctorWith(t, path)
	if !strings.Contains(out, "NOT FOUND") {
		t.Fatalf("missing runtime not flagged:\n%s", out)
	}
	if !strings.Contains(out, "auto_build: set (ignored") {
		t.Fatalf("auto_build not surfaced:\n%s", out)
	}
}

func TestDoctorOmitsAutoBuildWhenUnset(t *testing.T) {
	path := writeDoctorConfig(t, `{
		tools: {
			wasm: {enabled: false},
		},
	}`)

	out := runDoctorWith(t, path)
	if !strings.Contains(out, "disabled") {
		t.Fatalf("disabled sandbox not reported:\n%s", out)
	}
	if strings.Contains(out, "auto_build") {
		t.Fatalf("auto_build printed for unset flag:\n%s", out)
	}
}
