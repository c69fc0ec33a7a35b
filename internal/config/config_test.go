package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/debugprobe/internal/crypto"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := Default()
	if cfg.Buffer.BatchSize != d.Buffer.BatchSize || cfg.Queue.MaxSize != d.Queue.MaxSize {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_JSON5(t *testing.T) {
	path := writeFile(t, t.TempDir(), "probe.json5", `{
		// comments and trailing commas are fine
		hub: { url: "wss://hub.example/ws", max_reconnect_attempts: 3, },
		buffer: { drop_policy: "sample:0.5" },
		plugins: { options: { network: { rules: [{ path: "/a" }] } } },
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.URL != "wss://hub.example/ws" || cfg.Hub.MaxReconnectAttempts != 3 {
		t.Errorf("hub = %+v", cfg.Hub)
	}
	if cfg.Buffer.DropPolicy != "sample:0.5" {
		t.Errorf("drop policy = %q", cfg.Buffer.DropPolicy)
	}
	// Untouched fields keep their defaults.
	if cfg.Buffer.BatchSize != 50 || cfg.Hub.HeartbeatIntervalMs != 30_000 {
		t.Errorf("defaults lost: %+v", cfg.Buffer)
	}
	if _, ok := cfg.Plugins.Options["network"]["rules"]; !ok {
		t.Errorf("plugin options = %+v", cfg.Plugins.Options)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "probe.yaml", `
hub:
  url: ws://localhost:9000/ws
queue:
  max_size: 42
log:
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.URL != "ws://localhost:9000/ws" || cfg.Queue.MaxSize != 42 || cfg.Log.Format != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Queue.Enabled {
		t.Error("queue.enabled default lost")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEBUGPROBE_HUB_URL", "wss://env.example/ws")
	t.Setenv("DEBUGPROBE_TOKEN", "secret")
	t.Setenv("DEBUGPROBE_LOG_LEVEL", "debug")

	path := writeFile(t, t.TempDir(), "probe.json", `{"hub":{"url":"ws://file/ws"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.URL != "wss://env.example/ws" || cfg.Hub.Token != "secret" || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaskedCopy().Hub.Token != "***" || cfg.Hub.Token != "secret" {
		t.Error("MaskedCopy must mask the copy only")
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"scheme.json": `{"hub":{"url":"http://hub/ws"}}`,
		"jitter.json": `{"hub":{"reconnect_jitter":2}}`,
		"format.json": `{"log":{"format":"xml"}}`,
		"syntax.json": `{"hub":`,
		"cron.json":   `{"queue":{"sweep_cron":"every tuesday"}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, dir, name, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_SweepCron(t *testing.T) {
	path := writeFile(t, t.TempDir(), "probe.json", `{"queue":{"sweep_cron":"*/15 * * * *"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.SweepCron != "*/15 * * * *" {
		t.Errorf("sweep_cron = %q", cfg.Queue.SweepCron)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Hub.URL = "wss://x/ws"
	cfg.Device.ID = "pixel-7"

	for _, name := range []string{"out.json", "out.yaml"} {
		path := filepath.Join(dir, name)
		if err := Save(path, cfg); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load %s: %v", name, err)
		}
		if got.Hash() != cfg.Hash() {
			t.Errorf("%s: hash changed after round trip", name)
		}
	}
}

func TestNormalizeDeviceID(t *testing.T) {
	cases := map[string]string{
		"":                 DefaultDeviceID,
		"Pixel-7":          "pixel-7",
		"  John's iPhone ": "john-s-iphone",
		"---":              DefaultDeviceID,
		"a.b_c":            "a.b_c",
		"héllo wörld":      "h-llo-w-rld",
	}
	for in, want := range cases {
		if got := NormalizeDeviceID(in); got != want {
			t.Errorf("NormalizeDeviceID(%q) = %q, want %q", in, got, want)
		}
	}
	long := NormalizeDeviceID(strings.Repeat("ab ", 40))
	if len(long) > 64 || strings.HasSuffix(long, "-") {
		t.Errorf("long id = %q", long)
	}
}

func TestResolveToken_ConfiguredWins(t *testing.T) {
	cfg := Default()
	cfg.Hub.Token = "inline"
	cfg.Hub.TokenFromKeyring = true
	tok, err := cfg.ResolveToken()
	if err != nil || tok != "inline" {
		t.Errorf("ResolveToken = %q, %v", tok, err)
	}

	cfg.Hub.Token = ""
	cfg.Hub.TokenFromKeyring = false
	if tok, err := cfg.ResolveToken(); err != nil || tok != "" {
		t.Errorf("ResolveToken without keyring = %q, %v", tok, err)
	}
}

func TestResolveToken_Sealed(t *testing.T) {
	key, _ := crypto.NewKey()
	box, _ := crypto.NewBox(key)
	sealed, _ := box.Seal("hub-secret")

	t.Setenv(SecretKeyEnv, "")
	cfg := Default()
	cfg.Hub.Token = sealed
	if _, err := cfg.ResolveToken(); err == nil {
		t.Error("expected error without key")
	}

	t.Setenv(SecretKeyEnv, key)
	tok, err := cfg.ResolveToken()
	if err != nil || tok != "hub-secret" {
		t.Errorf("ResolveToken = %q, %v", tok, err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "probe.json", `{"log":{"level":"info"}}`)
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, initial)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond
	var level atomic.Value
	var calls atomic.Int32
	w.OnChange(func(cfg *Config) {
		calls.Add(1)
		level.Store(cfg.Log.Level)
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, dir, "probe.json", `{"log":{"level":"debug"}}`)
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("handler not called")
	}
	if level.Load() != "debug" {
		t.Errorf("level = %v", level.Load())
	}

	// Rewriting identical content does not fire again.
	before := calls.Load()
	writeFile(t, dir, "probe.json", `{"log":{"level":"debug"}}`)
	time.Sleep(200 * time.Millisecond)
	if calls.Load() != before {
		t.Errorf("no-op rewrite fired handler")
	}
}
