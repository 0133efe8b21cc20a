package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/schedulebot/examples"
	"github.com/nugget/schedulebot/internal/config"
	"github.com/nugget/schedulebot/internal/store"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "main_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := store.New(db)
	if err != nil {
		db.Close()
		t.Fatalf("store.New(): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: schedulebot") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text version output missing fields:\n%s", out.String())
	}

	for _, args := range [][]string{{"-o", "json", "version"}, {"version", "-o", "json"}, {"--output=json", "version"}} {
		out.Reset()
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		var info map[string]string
		if err := json.Unmarshal(out.Bytes(), &info); err != nil {
			t.Fatalf("run(%v) output is not JSON: %v\n%s", args, err, out.String())
		}
		if info["version"] == "" {
			t.Errorf("run(%v) JSON missing version: %v", args, info)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "serve"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"setup without target", []string{"setup"}, "usage: schedulebot setup"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(t.Context(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The shipped example must load as-is.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Prefix != "-sb" || cfg.AdminApp.Prefix != "-sbadmin" {
		t.Errorf("example prefixes = %q, %q", cfg.Prefix, cfg.AdminApp.Prefix)
	}
	if !strings.Contains(buf.String(), cfgPath) {
		t.Errorf("output does not mention %s:\n%s", cfgPath, buf.String())
	}
}

func TestRunInit_SkipsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	custom := []byte("name: Custom\n")
	if err := os.WriteFile(cfgPath, custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Error("runInit overwrote an existing config.yaml")
	}
	if bytes.Equal(got, examples.ConfigYAML) {
		t.Error("config.yaml replaced with the example")
	}
}

func TestCheckSetupArgs(t *testing.T) {
	tests := []struct {
		args []string
		ok   bool
	}{
		{[]string{"token", "abc"}, true},
		{[]string{"token"}, false},
		{[]string{"token", ""}, false},
		{[]string{"admin", "123"}, true},
		{[]string{"admin", "1", "2"}, false},
		{[]string{"steam", "user", "pass"}, true},
		{[]string{"steam", "user", "pass", "CODE1"}, true},
		{[]string{"steam", "user"}, false},
		{[]string{"steam", "user", "pass", "code", "extra"}, false},
		{[]string{"channel", "1"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if err := checkSetupArgs(tt.args); (err == nil) != tt.ok {
			t.Errorf("checkSetupArgs(%v) = %v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

func TestRunSetup(t *testing.T) {
	ctx := t.Context()
	st := testStore(t)
	var out bytes.Buffer

	if err := runSetup(ctx, &out, st, []string{"token", "secret-token"}); err != nil {
		t.Fatalf("setup token: %v", err)
	}
	if tok, err := st.Token(ctx); err != nil || tok != "secret-token" {
		t.Errorf("Token() = %q, %v", tok, err)
	}

	if err := runSetup(ctx, &out, st, []string{"steam", "gamer", "hunter2", "XY12Z"}); err != nil {
		t.Fatalf("setup steam: %v", err)
	}
	creds, err := st.SteamCredentials(ctx)
	if err != nil {
		t.Fatalf("SteamCredentials() error = %v", err)
	}
	if creds.Username != "gamer" || creds.Password != "hunter2" || creds.AuthCode == nil || *creds.AuthCode != "XY12Z" {
		t.Errorf("SteamCredentials() = %+v", creds)
	}

	// Re-running without a code clears the pending one.
	if err := runSetup(ctx, &out, st, []string{"steam", "gamer", "hunter2"}); err != nil {
		t.Fatalf("setup steam: %v", err)
	}
	if creds, _ := st.SteamCredentials(ctx); creds.AuthCode != nil {
		t.Errorf("AuthCode = %q, want cleared", *creds.AuthCode)
	}

	if err := runSetup(ctx, &out, st, []string{"admin", "111"}); err != nil {
		t.Fatalf("setup admin: %v", err)
	}
	admins, err := st.Admins(ctx)
	if err != nil || !slices.Contains(admins, "111") {
		t.Errorf("Admins() = %v, %v", admins, err)
	}

	if !strings.Contains(out.String(), "111 is now an admin.") {
		t.Errorf("output:\n%s", out.String())
	}
}
