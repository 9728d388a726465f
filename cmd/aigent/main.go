// Aigent is a terminal chat assistant backed by a local Ollama model,
// with a hosted OpenRouter fallback and a persistent memory store.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); defaults apply when
// none exists.
//
// Usage:
//
//	aigent chat               Start an interactive session
//	aigent ask <message>      Send one message and print the reply
//	aigent models [provider]  List models offered by each provider
//	aigent memory [n]         Show the most recent memory entries
//	aigent memory wipe --layer <tier|all> --yes
//	                          Delete stored memories
//	aigent memory inspect-core [--limit n]
//	                          Show core memory entries
//	aigent usage [days]       Summarize recorded dispatches
//	aigent init [dir]         Write a default aigent.yaml
//	aigent version            Print version and build information
//	aigent -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/aigent/internal/buildinfo"
	"github.com/nugget/aigent/internal/llm"
	"github.com/nugget/aigent/internal/memory"
	"github.com/nugget/aigent/internal/tui"
	"github.com/nugget/aigent/internal/usage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process; cancelling it
// ends an interactive session and aborts in-flight provider calls.
// Arguments are parsed by hand because the flag package's globals get
// in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, os.Stdin, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aigent ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "models":
		which := ""
		if len(cmdArgs) > 0 {
			which = cmdArgs[0]
		}
		return runModels(ctx, stdout, stderr, configPath, outputFmt, which)
	case "memory":
		return memoryCommand(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "usage":
		days := 7
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: aigent usage [days]")
			}
			days = n
		}
		return runUsage(ctx, stdout, stderr, configPath, outputFmt, days)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Aigent - terminal chat assistant with local-first models")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aigent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat               Start an interactive session")
	fmt.Fprintln(w, "  ask <message>      Send one message and print the reply")
	fmt.Fprintln(w, "  models [provider]  List models (ollama, openrouter, or both)")
	fmt.Fprintln(w, "  memory [n]         Show the n most recent memory entries (default 20)")
	fmt.Fprintln(w, "  memory wipe --layer <all|episodic|semantic|procedural|core> --yes")
	fmt.Fprintln(w, "                     Delete stored memories in one tier or all of them")
	fmt.Fprintln(w, "  memory inspect-core [--limit n]")
	fmt.Fprintln(w, "                     Show the newest core memory entries (default 20)")
	fmt.Fprintln(w, "  usage [days]       Summarize dispatches over the last n days (default 7)")
	fmt.Fprintln(w, "  init [dir]         Write a default aigent.yaml (default: .)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./aigent.yaml, ~/.config/aigent/config.yaml, /etc/aigent/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  OLLAMA_BASE_URL     Overrides llm.ollama_base_url")
	fmt.Fprintln(w, "  OPENROUTER_API_KEY  Key for the hosted fallback")
	return nil
}

// runAsk sends one message through a full turn and prints the reply.
// Text output streams as the reply arrives.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, message string) error {
	a, err := newApp(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	sess := a.session()
	if outputFmt == "json" {
		out, err := sess.Generate(ctx, message, nil)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"request_id": out.RequestID,
			"served_by":  out.ServedBy.String(),
			"model":      out.Model,
			"text":       out.Text,
		})
	}

	if _, err := tui.StreamTurn(ctx, sess, message, stdout, ""); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runModels lists the models each provider offers. Unreachable
// providers report why instead of failing.
func runModels(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, which string) error {
	a, err := newApp(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	providers := []llm.Provider{llm.ProviderLocal, llm.ProviderHosted}
	if which != "" {
		p, err := llm.ParseProvider(which)
		if err != nil {
			return err
		}
		providers = []llm.Provider{p}
	}

	listed := make(map[string][]string, len(providers))
	for _, p := range providers {
		listed[p.String()] = a.client(p).ListModels(ctx)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listed)
	}
	for _, p := range providers {
		models := listed[p.String()]
		fmt.Fprintf(stdout, "%s models (%d)\n", p, len(models))
		for _, m := range models {
			fmt.Fprintf(stdout, "- %s\n", m)
		}
	}
	return nil
}

// memoryCommand routes `aigent memory` and its subcommands.
func memoryCommand(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 {
		return runMemory(ctx, stdout, stderr, configPath, outputFmt, 20)
	}
	switch args[0] {
	case "wipe":
		var layer string
		var confirmed bool
		rest := args[1:]
		for i := 0; i < len(rest); i++ {
			switch {
			case rest[i] == "--layer" && i+1 < len(rest):
				layer = rest[i+1]
				i++
			case strings.HasPrefix(rest[i], "--layer="):
				layer = strings.TrimPrefix(rest[i], "--layer=")
			case rest[i] == "--yes":
				confirmed = true
			default:
				return fmt.Errorf("usage: aigent memory wipe --layer <all|episodic|semantic|procedural|core> --yes")
			}
		}
		var tier memory.Tier
		switch layer {
		case "":
			return fmt.Errorf("memory wipe: --layer is required (all, episodic, semantic, procedural, or core)")
		case "all":
		default:
			t, err := memory.ParseTier(layer)
			if err != nil {
				return fmt.Errorf("memory wipe: %w", err)
			}
			tier = t
		}
		if !confirmed {
			return fmt.Errorf("memory wipe: refusing to delete %s memory without --yes", layer)
		}
		return runMemoryWipe(ctx, stdout, stderr, configPath, outputFmt, layer, tier)
	case "inspect-core":
		limit := 20
		rest := args[1:]
		for i := 0; i < len(rest); i++ {
			var value string
			switch {
			case rest[i] == "--limit" && i+1 < len(rest):
				value = rest[i+1]
				i++
			case strings.HasPrefix(rest[i], "--limit="):
				value = strings.TrimPrefix(rest[i], "--limit=")
			default:
				return fmt.Errorf("usage: aigent memory inspect-core [--limit n]")
			}
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: aigent memory inspect-core [--limit n]")
			}
			limit = n
		}
		return runInspectCore(ctx, stdout, stderr, configPath, outputFmt, limit)
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 || len(args) > 1 {
		return fmt.Errorf("usage: aigent memory [n]")
	}
	return runMemory(ctx, stdout, stderr, configPath, outputFmt, n)
}

// runMemoryWipe deletes one tier, or every tier when tier is empty.
func runMemoryWipe(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, layer string, tier memory.Tier) error {
	a, err := newApp(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.Wipe(ctx, tier)
	if err != nil {
		return err
	}
	a.logger.Info("memory wiped", "layer", layer, "removed", n)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"layer": layer, "removed": n})
	}
	fmt.Fprintf(stdout, "removed %d %s memory entries\n", n, layer)
	return nil
}

// runInspectCore prints the newest core entries with their provenance.
func runInspectCore(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, limit int) error {
	a, err := newApp(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.RecentInTier(ctx, memory.TierCore, limit)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"entries": entries})
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no core memories")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "- %s %s (%.2f) :: %s\n  provenance %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Source, e.Confidence, e.Content, e.ProvenanceHash)
	}
	return nil
}

// runMemory prints per-tier counts and the newest entries.
func runMemory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, limit int) error {
	a, err := newApp(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("memory stats: %w", err)
	}
	entries, err := a.store.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("recent memory: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"stats": stats, "entries": entries})
	}
	fmt.Fprintf(stdout, "memories: %d (core %d, semantic %d, procedural %d, episodic %d)\n",
		stats.Total, stats.Core, stats.Semantic, stats.Procedural, stats.Episodic)
	for _, e := range entries {
		fmt.Fprintf(stdout, "- [%s] %s %s :: %s\n",
			e.Tier, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Source, e.Content)
	}
	return nil
}

// runUsage prints dispatch totals from the usage ledger, overall and per
// provider and model.
func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, days int) error {
	a, err := newApp(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	total, err := a.usage.Summary(ctx, start, end.Add(time.Minute))
	if err != nil {
		return err
	}
	byProvider, err := a.usage.SummaryByProvider(ctx, start, end.Add(time.Minute))
	if err != nil {
		return err
	}
	byModel, err := a.usage.SummaryByModel(ctx, start, end.Add(time.Minute))
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"days":        days,
			"total":       total,
			"by_provider": byProvider,
			"by_model":    byModel,
		})
	}
	fmt.Fprintf(stdout, "last %d days: %d dispatches, %d forced fallback, avg %.0fms\n",
		days, total.Dispatches, total.Forced, total.AvgLatencyMs)
	for _, group := range []struct {
		label string
		sums  map[string]usage.Summary
	}{{"providers", byProvider}, {"models", byModel}} {
		if len(group.sums) == 0 {
			continue
		}
		fmt.Fprintf(stdout, "%s:\n", group.label)
		for _, k := range slices.Sorted(maps.Keys(group.sums)) {
			s := group.sums[k]
			fmt.Fprintf(stdout, "- %s: %d, avg %.0fms, %d prompt / %d reply chars\n",
				k, s.Dispatches, s.AvgLatencyMs, s.PromptChars, s.ReplyChars)
		}
	}
	return nil
}
