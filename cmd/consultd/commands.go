package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/tui"
)

// gatewayBaseURL turns bind_addr into the URL the CLI dials.
func gatewayBaseURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// callGateway issues one request against the running daemon and returns the
// status code and body.
func callGateway(ctx context.Context, cfg config.Config, method, path string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, gatewayBaseURL(cfg.BindAddr)+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func writeBody(w io.Writer, body []byte) {
	_, _ = w.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: consultd status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	code, body, err := callGateway(ctx, cfg, http.MethodGet, "/healthz", 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	writeBody(os.Stdout, body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}

type channelListing struct {
	Items []struct {
		Key        string    `json:"key"`
		UpdatedAt  time.Time `json:"updated_at"`
		Configured bool      `json:"configured"`
		Config     *struct {
			Model         string `json:"model"`
			ContextLength int    `json:"context_length"`
		} `json:"config,omitempty"`
	} `json:"items"`
}

func runChannelsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: consultd channels")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	code, body, err := callGateway(ctx, cfg, http.MethodGet, "/v1/channels", 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "channels: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "channels: gateway returned %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		writeBody(os.Stdout, body)
		return 0
	}
	if err := printChannelTable(os.Stdout, body); err != nil {
		fmt.Fprintf(os.Stderr, "channels: %v\n", err)
		return 1
	}
	return 0
}

func printChannelTable(w io.Writer, body []byte) error {
	var listing channelListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return fmt.Errorf("decode channel list: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tMODEL\tCONTEXT\tUPDATED")
	for _, it := range listing.Items {
		model, window := "-", "-"
		if it.Config != nil {
			if it.Config.Model != "" {
				model = it.Config.Model
			}
			window = fmt.Sprint(it.Config.ContextLength)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Key, model, window, it.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runCompactCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: consultd compact <channel-key>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	path := "/v1/channels/" + url.PathEscape(args[0]) + "/compact"
	timeout := cfg.CompactionTimeout() + 5*time.Second
	code, body, err := callGateway(ctx, cfg, http.MethodPost, path, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compact: %v\n", err)
		return 1
	}
	writeBody(os.Stdout, body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}

// runBackupCommand snapshots the database directly; it works whether or not
// the daemon is running.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: consultd backup [path]")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	dest := backupPath(cfg, args, time.Now())

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Println(dest)
	return 0
}

func backupPath(cfg config.Config, args []string, now time.Time) string {
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		return args[0]
	}
	name := fmt.Sprintf("consultd-%s-%s.db", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	return filepath.Join(cfg.Backup.Dir, name)
}

// runChatCommand opens an interactive session against the running daemon.
func runChatCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: consultd chat <channel-key>")
		return 2
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "chat needs an interactive terminal")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	err = tui.Run(ctx, tui.Config{
		BaseURL:    gatewayBaseURL(cfg.BindAddr),
		ChannelKey: args[0],
		Token:      cfg.AuthToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	return 0
}
