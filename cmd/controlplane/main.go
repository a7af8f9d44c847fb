// Command controlplane is the operational CLI for the delegation control
// plane (spec §6): a "dashboard" subcommand for read-only inspection and a
// "wizard" subcommand for guided capability bootstrap.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dataparency-dev/delegation-control-plane/internal/app"
	"github.com/dataparency-dev/delegation-control-plane/internal/capability"
	"github.com/dataparency-dev/delegation-control-plane/internal/config"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitMisuse  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitMisuse
	}

	sub := args[0]
	fs := flag.NewFlagSet(sub, flag.ContinueOnError)
	root := fs.String("root", ".", "control plane data root")
	configPath := fs.String("config", "", "path to a YAML config file")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args[1:]); err != nil {
		return exitMisuse
	}
	if *format != "json" && *format != "yaml" {
		fmt.Fprintf(os.Stderr, "invalid --format %q: must be json or yaml\n", *format)
		return exitMisuse
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitFailure
	}
	if *root != "" {
		cfg.DataDir = *root
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize control plane: %v\n", err)
		return exitFailure
	}
	defer a.Close()

	switch sub {
	case "dashboard":
		return runDashboard(a, *format)
	case "wizard":
		return runWizard(a, *format, fs.Args())
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		usage()
		return exitMisuse
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: controlplane <dashboard|wizard> [--root path] [--config file] [--format json|yaml]")
}

// dashboardView is a point-in-time snapshot of control-plane health,
// rendered for operators (Q to quit, R to refresh, by convention only;
// this CLI prints once and exits).
type dashboardView struct {
	CapabilityStats capability.Statistics `json:"capability_stats" yaml:"capability_stats"`
	SecurityStats   any                   `json:"security_stats" yaml:"security_stats"`
	MCPHealthStats  any                   `json:"mcp_health_stats" yaml:"mcp_health_stats"`
}

func runDashboard(a *app.App, format string) int {
	view := dashboardView{
		CapabilityStats: a.Capability.Stats(),
		SecurityStats:   a.Security.Stats(),
		MCPHealthStats:  a.MCPHealth.Stats(),
	}
	if err := emit(view, format); err != nil {
		fmt.Fprintf(os.Stderr, "render dashboard: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}

// runWizard bootstraps a capability manifest from an agent definition
// (path, inline JSON, or frontmatter markdown) and registers it.
func runWizard(a *app.App, format string, positional []string) int {
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "usage: controlplane wizard <agent-definition-path-or-json>")
		return exitMisuse
	}

	def, err := capability.ParseAgentDefinition(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse agent definition: %v\n", err)
		return exitFailure
	}

	result := capability.Bootstrap(def, capability.BootstrapOptions{
		MinimumKeywordMatches: a.Config.Capability.MinimumKeywordMatches,
		CompletionsForProven:  a.Config.Capability.CompletionsForProven,
	})
	result.Manifest.AgentID = "agent_" + def.Name

	if err := a.Capability.RegisterManifest(result.Manifest); err != nil {
		fmt.Fprintf(os.Stderr, "register manifest: %v\n", err)
		return exitFailure
	}

	if err := emit(result, format); err != nil {
		fmt.Fprintf(os.Stderr, "render result: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}

func emit(v any, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(v)
	default:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
