package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFileMissingIsNoop(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadEnvFileLoadsAndPreservesExisting(t *testing.T) {
	t.Setenv("EXPORTCTL_EXISTING", "from-env")
	file := filepath.Join(t.TempDir(), "test.env")
	content := "# comment\nEXPORTCTL_EXISTING=from-file\nEXPORTCTL_BASE_URL=http://localhost:3333\nEXPORTCTL_UID=\"abc\"\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("EXPORTCTL_BASE_URL")
		_ = os.Unsetenv("EXPORTCTL_UID")
	})

	if err := LoadEnvFile(file); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("EXPORTCTL_EXISTING"); got != "from-env" {
		t.Fatalf("expected existing var to be preserved, got %q", got)
	}
	if got := os.Getenv("EXPORTCTL_BASE_URL"); got != "http://localhost:3333" {
		t.Fatalf("unexpected EXPORTCTL_BASE_URL=%q", got)
	}
	if got := os.Getenv("EXPORTCTL_UID"); got != "abc" {
		t.Fatalf("unexpected EXPORTCTL_UID=%q", got)
	}
}

func TestLoadEnvFileDirectoryIsError(t *testing.T) {
	if err := LoadEnvFile(t.TempDir()); err == nil || !strings.Contains(err.Error(), "open env file:") {
		t.Fatalf("expected open error for directory, got %v", err)
	}
}

func FuzzLoadEnvFileErrorClass(f *testing.F) {
	f.Add([]byte("KEY=value\nANOTHER=ok\n"))
	f.Add([]byte("# comment\n QUOTED = \"x\" \n"))
	f.Add([]byte("NO_EQUALS_LINE\nBROKEN"))
	f.Add(bytes.Repeat([]byte("A"), 70000))

	f.Fuzz(func(t *testing.T, content []byte) {
		if len(content) > 200000 {
			content = content[:200000]
		}
		file := filepath.Join(t.TempDir(), "fuzz.env")
		if err := os.WriteFile(file, content, 0o600); err != nil {
			t.Fatalf("write env file: %v", err)
		}
		err := LoadEnvFile(file)
		if err != nil && !strings.Contains(err.Error(), "read env file:") {
			t.Fatalf("unexpected error class: %v", err)
		}
	})
}
