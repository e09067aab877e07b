package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadDotEnvParsing(t *testing.T) {
	path := writeEnvFile(t, `# gateway settings
LISTEN_TEST_ADDR=:9999
export MESSAGE_TEST_FOOTER="sent via gateway"
PROVIDER_TEST_MODE='simulated'
BROKEN LINE WITHOUT EQUALS
=no-key
TRIMMED_TEST_KEY =  spaced value
`)
	keys := []string{"LISTEN_TEST_ADDR", "MESSAGE_TEST_FOOTER", "PROVIDER_TEST_MODE", "TRIMMED_TEST_KEY"}
	for _, k := range keys {
		os.Unsetenv(k)
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("LISTEN_TEST_ADDR"); got != ":9999" {
		t.Fatalf("LISTEN_TEST_ADDR = %q", got)
	}
	if got := os.Getenv("MESSAGE_TEST_FOOTER"); got != "sent via gateway" {
		t.Fatalf("double-quoted value with export prefix = %q", got)
	}
	if got := os.Getenv("PROVIDER_TEST_MODE"); got != "simulated" {
		t.Fatalf("single-quoted value = %q", got)
	}
	if got := os.Getenv("TRIMMED_TEST_KEY"); got != "spaced value" {
		t.Fatalf("whitespace around key and value must be trimmed, got %q", got)
	}
}

func TestLoadDotEnvKeepsMismatchedQuotes(t *testing.T) {
	path := writeEnvFile(t, "ODDQUOTE_TEST_KEY=\"half quoted\n")
	os.Unsetenv("ODDQUOTE_TEST_KEY")
	t.Cleanup(func() { os.Unsetenv("ODDQUOTE_TEST_KEY") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("ODDQUOTE_TEST_KEY"); got != "\"half quoted" {
		t.Fatalf("mismatched quotes must be left alone, got %q", got)
	}
}

func TestLoadDotEnvNeverOverridesProcessEnv(t *testing.T) {
	path := writeEnvFile(t, "OVERRIDE_TEST_KEY=from_file\n")
	t.Setenv("OVERRIDE_TEST_KEY", "from_process")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("OVERRIDE_TEST_KEY"); got != "from_process" {
		t.Fatalf("process environment must win, got %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("a missing file is not an error: %v", err)
	}
}
