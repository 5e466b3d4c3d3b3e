package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TWN-Systems/strix/internal/app"
	"github.com/TWN-Systems/strix/internal/config"
	"github.com/TWN-Systems/strix/internal/logging"
)

// version is stamped by the release build via -ldflags.
var version = "0.4.0-dev"

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions for scan output
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds the command line interface state
type CLI struct {
	targets        []string
	instruction    string
	runName        string
	role           string
	maxIterations  int
	monitorAddr    string
	configPath     string
	nonInteractive bool
	debug          bool

	printMu  sync.Mutex
	exitCode int
}

func newCLI() *CLI {
	return &CLI{}
}

// newRootCommand creates the root cobra command
func newRootCommand(cli *CLI) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strix",
		Short: "Autonomous penetration testing agent fleet",
		Long: fmt.Sprintf(`%s

%s runs a fleet of autonomous agents against a target you are authorized
to test. The root agent plans the assessment, spawns specialists for
reconnaissance, exploitation, and validation, and every proof-of-concept
runs inside the run's sandboxed workspace. Findings, the full event
stream, and the final report land in the run directory.

%s
  strix -t https://shop.example.com             # Scan a web application
  strix -t ./app --instruction "focus on auth"  # Local code, guided scope
  strix -t api.internal -n --monitor :9011      # Headless with live monitor
  strix -t 10.0.3.7 -t 10.0.3.8 --name q3-audit # Several targets, named run`,
			bold("Strix "+version),
			bold("Strix"),
			bold("EXAMPLES:")),
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bare positional arguments count as targets so
			// `strix https://host` works like `strix -t https://host`.
			cli.targets = append(cli.targets, args...)
			if len(cli.targets) == 0 {
				return cmd.Help()
			}
			cmd.SilenceUsage = true
			return cli.runScan()
		},
	}

	rootCmd.PersistentFlags().StringArrayVarP(&cli.targets, "target", "t", nil, "Target to assess: URL, host, repository, or local path (repeatable)")
	rootCmd.PersistentFlags().StringVar(&cli.instruction, "instruction", "", "Extra instructions appended to the root agent's task")
	rootCmd.PersistentFlags().StringVar(&cli.runName, "name", "", "Run name (default: derived from the first target)")
	rootCmd.PersistentFlags().StringVar(&cli.role, "role", "", "Root agent role (default: full_access)")
	rootCmd.PersistentFlags().IntVar(&cli.maxIterations, "max-iterations", 0, "Override the per-agent iteration cap")
	rootCmd.PersistentFlags().StringVar(&cli.monitorAddr, "monitor", "", "Serve the live monitor API on this address, e.g. 127.0.0.1:9011")
	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", "", "Config file (default: strix.yaml in . or $HOME)")
	rootCmd.PersistentFlags().BoolVarP(&cli.nonInteractive, "non-interactive", "n", false, "CI mode: plain output, exit code 2 when findings were recorded")
	rootCmd.PersistentFlags().BoolVarP(&cli.debug, "debug", "d", false, "Echo debug logs to stderr")

	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// runScan assembles a runtime from flags and config and drives one scan.
func (cli *CLI) runScan() error {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return err
	}
	if cli.debug {
		logging.SetGlobalLevel(logging.DEBUG)
		logging.EchoToStderr()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, app.RunOptions{
		Targets:       cli.targets,
		Instructions:  cli.instruction,
		RunName:       cli.runName,
		Role:          cli.role,
		MaxIterations: cli.maxIterations,
		MonitorAddr:   cli.monitorAddr,
	})
	if err != nil {
		return err
	}
	defer func() {
		// Shutdown gets a fresh context; the signal one is likely
		// already cancelled when we land here via Ctrl-C.
		_ = rt.Close(context.Background())
	}()

	cli.printBanner(rt)
	rt.Tracer().Subscribe(cli.printEvent)

	outcome, err := rt.Run(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Printf("\n%s scan interrupted, partial results kept in %s\n", yellow("!"), rt.RunDir())
	}

	cli.printSummary(outcome)
	cli.renderReport(outcome)
	cli.exitCode = outcome.ExitCode(cli.nonInteractive)
	return nil
}

func (cli *CLI) printBanner(rt *app.Runtime) {
	fmt.Printf("%s %s\n", bold("Strix"), gray("v"+version))
	fmt.Printf("  %s %s\n", gray("targets:"), strings.Join(cli.targets, ", "))
	fmt.Printf("  %s %s\n", gray("run dir:"), rt.RunDir())
	if addr := rt.MonitorAddr(); addr != "" {
		fmt.Printf("  %s http://%s/api/state\n", gray("monitor:"), addr)
	}
	fmt.Println()
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strix version %s\n", version)
		},
	}
}
