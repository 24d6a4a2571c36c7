package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether conductor serve is running and list its sessions",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := pidFilePath(cfg.DataDir)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	var uptime string
	if info, err := os.Stat(pidFile); err == nil {
		uptime = formatDuration(time.Since(info.ModTime()))
	}
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Fprintf(out, "Status: running (pid %d, up %s)\nGateway: %s\n", pid, uptime, addr)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	list, err := fetchSessions(ctx, cfg.Gateway, addr)
	if err != nil {
		fmt.Fprintf(out, "Sessions: unavailable (%v)\n", err)
		return nil
	}
	writeSessions(out, list)
	return nil
}

type sessionList struct {
	Sessions []orchestrator.Snapshot `json:"sessions"`
	Active   string                  `json:"active"`
}

// fetchSessions calls session.list over the gateway's HTTP RPC endpoint.
func fetchSessions(ctx context.Context, gw config.GatewayConfig, addr string) (*sessionList, error) {
	if gw.SharedSecret == "" {
		return nil, fmt.Errorf("no gateway.shared_secret configured")
	}
	body, _ := json.Marshal(map[string]string{"jsonrpc": "2.0", "id": "status", "method": "session.list"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conductor-Secret", gw.SharedSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var rpc struct {
		Result *sessionList `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("session.list: %s", rpc.Error.Message)
	}
	if rpc.Result == nil {
		return &sessionList{}, nil
	}
	return rpc.Result, nil
}

func writeSessions(w io.Writer, list *sessionList) {
	if len(list.Sessions) == 0 {
		fmt.Fprintln(w, "Sessions: none")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"", "Session", "Agent", "Status", "Messages", "Queued", "Age"})
	for _, s := range list.Sessions {
		mark := ""
		if s.ID == list.Active {
			mark = "*"
		}
		tw.AppendRow(table.Row{mark, s.ID, s.AgentKind, string(s.Status), s.Messages, s.Queued, formatDuration(time.Since(s.CreatedAt))})
	}
	tw.Render()
}

// formatDuration renders d as 1h2m3s, dropping leading zero units.
func formatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, secs/60%60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
