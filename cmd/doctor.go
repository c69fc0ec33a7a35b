package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/debugprobe/internal/agent"
	"github.com/nextlevelbuilder/debugprobe/internal/config"
	"github.com/nextlevelbuilder/debugprobe/internal/hub"
	"github.com/nextlevelbuilder/debugprobe/internal/queue"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var dial bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and Hub reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context(), dial)
		},
	}
	cmd.Flags().BoolVar(&dial, "dial", false, "try a WebSocket handshake with the Hub")
	return cmd
}

func runDoctor(ctx context.Context, dial bool) {
	fmt.Println("debugprobe doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Device:   %s\n", cfg.DeviceID())

	fmt.Println()
	fmt.Println("  Hub:")
	checkHubURL(cfg.Hub.URL)
	checkToken(cfg)
	if _, err := hub.ParseDropPolicy(cfg.Buffer.DropPolicy); err != nil {
		fmt.Printf("    %-12s %s\n", "Drop policy:", err)
	} else {
		fmt.Printf("    %-12s %s (capacity %d, batch %d)\n", "Drop policy:", cfg.Buffer.DropPolicy, cfg.Buffer.Capacity, cfg.Buffer.BatchSize)
	}
	if dial && cfg.Hub.URL != "" {
		checkDial(ctx, cfg)
	}

	fmt.Println()
	fmt.Println("  Storage:")
	checkQueue(ctx, cfg)
	checkWritable("Settings:", config.ExpandHome(cfg.Plugins.SettingsPath))

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "OTLP:", cfg.Telemetry.Endpoint, protocolOrDefault(cfg.Telemetry.Protocol))
	} else {
		fmt.Printf("    %-12s disabled\n", "OTLP:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkHubURL(raw string) {
	if raw == "" {
		fmt.Printf("    %-12s (not configured, agent runs offline)\n", "URL:")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		fmt.Printf("    %-12s %s (INVALID: %s)\n", "URL:", raw, err)
		return
	}
	note := "OK"
	if u.Scheme == "ws" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		note = "OK, unencrypted"
	}
	fmt.Printf("    %-12s %s (%s)\n", "URL:", raw, note)
}

func checkToken(cfg *config.Config) {
	tok, err := cfg.ResolveToken()
	switch {
	case errors.Is(err, config.ErrNoToken):
		fmt.Printf("    %-12s keyring entry missing (run: debugprobe token set)\n", "Token:")
	case err != nil:
		fmt.Printf("    %-12s keyring error: %s\n", "Token:", err)
	case tok == "":
		fmt.Printf("    %-12s (not configured)\n", "Token:")
	default:
		source := "config"
		if cfg.Hub.Token == "" {
			source = "keyring"
		}
		fmt.Printf("    %-12s %s (%s)\n", "Token:", maskToken(tok), source)
	}
}

func maskToken(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", len(tok)-8) + tok[len(tok)-4:]
}

func checkDial(ctx context.Context, cfg *config.Config) {
	tok, _ := cfg.ResolveToken()
	ctx, cancel := context.WithTimeout(ctx, cfg.Hub.HandshakeTimeout())
	defer cancel()

	start := time.Now()
	d := hub.WebSocketDialer{HandshakeTimeout: cfg.Hub.HandshakeTimeout()}
	conn, err := d.Dial(ctx, hub.Endpoint{URL: cfg.Hub.URL, Token: tok, Device: agent.DeviceInfo(cfg)})
	if err != nil {
		fmt.Printf("    %-12s FAILED: %s\n", "Dial:", err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s OK (%s)\n", "Dial:", time.Since(start).Round(time.Millisecond))
}

func checkQueue(ctx context.Context, cfg *config.Config) {
	if !cfg.Queue.Enabled {
		fmt.Printf("    %-12s disabled (events are lost while offline)\n", "Queue:")
		return
	}
	// Load already rejects an invalid sweep_cron; show when it next fires.
	if expr := cfg.Queue.SweepCron; expr != "" {
		if next, err := gronx.NextTick(expr, false); err == nil {
			fmt.Printf("    %-12s %s (next %s)\n", "Sweep:", expr, next.Format(time.RFC3339))
		}
	}
	path := config.ExpandHome(cfg.Queue.Path)
	if !checkWritable("Queue:", path) {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	q, err := queue.Open(agent.QueueConfig(cfg.Queue))
	if err != nil {
		fmt.Printf("    %-12s open failed: %s\n", "", err)
		return
	}
	defer q.Close()
	n, err := q.Count(ctx)
	if err != nil {
		fmt.Printf("    %-12s count failed: %s\n", "", err)
		return
	}
	fmt.Printf("    %-12s %d events queued (max %d)\n", "", n, cfg.Queue.MaxSize)
}

// checkWritable reports whether path's directory exists and accepts files.
func checkWritable(label, path string) bool {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		fmt.Printf("    %-12s %s (NOT WRITABLE: %s)\n", label, path, err)
		return false
	}
	f.Close()
	os.Remove(f.Name())
	fmt.Printf("    %-12s %s (OK)\n", label, path)
	return true
}

func protocolOrDefault(p string) string {
	if p == "" {
		return "grpc"
	}
	return p
}
