package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/edgeagent/internal/config"
	"git.home.luguber.info/inful/edgeagent/internal/daemon"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"edgeagent.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct{} `cmd:"" help:"Run the agent until interrupted"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write a starter configuration file"`

	Status struct {
		Addr    string `help:"Agent HTTP address" default:"127.0.0.1:8090"`
		History int    `help:"Show the last N reconciliations from the audit log" default:"0"`
	} `cmd:"" help:"Query a running agent's status"`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("edgeagent"),
		kong.Description("Device-resident agent converging a managed workload toward controller-desired state"))

	switch ctx.Command() {
	case "run":
		if err := runAgent(); err != nil {
			slog.Error("Agent failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", CLI.Config)
	case "status":
		if err := runStatus(CLI.Status.Addr); err != nil {
			slog.Error("Status query failed", "error", err)
			os.Exit(1)
		}
		if CLI.Status.History > 0 {
			if err := runHistory(CLI.Status.Addr, CLI.Status.History); err != nil {
				slog.Error("History query failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

func runAgent() error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}
	if CLI.Verbose {
		cfg.Logging.Level = string(config.LogLevelDebug)
	}
	cfg.Logging.BuildLogger()

	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var pretty map[string]any
		if err := json.Unmarshal(body, &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case http.StatusServiceUnavailable:
		fmt.Println("busy: reconciliation in progress, retry shortly")
		return nil
	default:
		return fmt.Errorf("agent returned %s", resp.Status)
	}
}

func runHistory(addr string, limit int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/audit/recent?limit=%d", addr, limit))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Entries []map[string]any `json:"entries"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
		out, err := json.MarshalIndent(body.Entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case http.StatusNotFound:
		fmt.Println("audit log is not enabled on this agent")
		return nil
	default:
		return fmt.Errorf("agent returned %s", resp.Status)
	}
}
