package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/httpapi"
	"github.com/deepnoodle-ai/worldflow/worldgen"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Prompter asks the author to answer a suspension request.
type Prompter func(ctx context.Context, req *worldflow.SuspensionRequest) (worldflow.ResumptionInput, error)

type cli struct {
	configPath string
	store      string
	storePath  string
	verbose    bool
	json       bool

	newGenerator func(Settings, *slog.Logger) (generation.Generator, error)
	prompt       Prompter
	interactive  func(cmd *cobra.Command) bool
}

func newCLI() *cli {
	return &cli{
		newGenerator: newGenerator,
		prompt:       promptRequest,
		interactive:  stdinIsTerminal,
	}
}

func stdinIsTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "worldflow",
		Short:         "Generate fictional worlds with a resumable workflow",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "settings file (default ~/.deepnoodle/worldflow/config.yaml)")
	flags.StringVar(&c.store, "store", "", "checkpoint store: memory, file, sqlite, badger, postgres or redis")
	flags.StringVar(&c.storePath, "store-path", "", "directory or database file of the checkpoint store")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log engine activity")
	flags.BoolVar(&c.json, "json", false, "print results as JSON")

	root.AddCommand(
		c.runCommand(),
		c.resumeCommand(),
		c.statusCommand(),
		c.listCommand(),
		c.cancelCommand(),
		c.graphCommand(),
		c.serveCommand(),
	)
	return root
}

// open loads the settings and wires the engine for one command.
func (c *cli) open(cmd *cobra.Command) (*app, error) {
	settings, err := LoadSettings(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.store != "" {
		settings.Store.Backend = c.store
	}
	if c.storePath != "" {
		settings.Store.Path = c.storePath
	}
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := worldflow.NewLogger(cmd.ErrOrStderr(), level)
	return newApp(cmd.Context(), settings, logger, c.newGenerator)
}

func (c *cli) runCommand() *cobra.Command {
	var (
		facts         []string
		runID         string
		disabled      []string
		maxIterations int
		model         string
		noInput       bool
	)
	cmd := &cobra.Command{
		Use:   "run <premise>",
		Short: "Start generating a world",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireGenerator(); err != nil {
				return err
			}

			cfg := &worldflow.Config{Model: model}
			for _, module := range disabled {
				if cfg.Modules == nil {
					cfg.Modules = map[string]bool{}
				}
				cfg.Modules[module] = false
			}
			if cmd.Flags().Changed("max-iterations") {
				cfg.Params = map[string]any{worldgen.ParamMaxIterations: maxIterations}
			}
			initial := make([]any, 0, len(facts))
			for _, fact := range facts {
				initial = append(initial, fact)
			}
			if runID == "" {
				runID = worldflow.NewRunID()
			}

			ctx := cmd.Context()
			result, err := c.follow(cmd, a, runID, func() (*worldflow.Result, error) {
				return a.engine.Start(ctx, worldflow.StartRequest{
					RunID:  runID,
					State:  map[string]any{worldgen.FieldPremise: args[0], worldgen.FieldFacts: initial},
					Config: cfg,
				})
			})
			if err != nil {
				return err
			}
			return c.converse(cmd, a, result, noInput)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVarP(&facts, "fact", "f", nil, "a known fact about the world (repeatable)")
	flags.StringVar(&runID, "run-id", "", "run id (generated when empty)")
	flags.StringSliceVar(&disabled, "disable-module", nil, "optional module to skip, such as magic")
	flags.IntVar(&maxIterations, "max-iterations", worldgen.DefaultMaxIterations, "maximum refine passes after a critical review")
	flags.StringVar(&model, "model", "", "generation model for this run")
	flags.BoolVar(&noInput, "no-input", false, "stop at the first question instead of prompting")
	return cmd
}

func (c *cli) resumeCommand() *cobra.Command {
	var (
		requestID string
		answers   []string
		skip      bool
		noInput   bool
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Answer a pending question and continue a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireGenerator(); err != nil {
				return err
			}

			ctx := cmd.Context()
			runID := args[0]
			cp, err := a.engine.Checkpoint(ctx, runID)
			if err != nil {
				return err
			}
			if cp.Status != worldflow.RunSuspended {
				return fmt.Errorf("%w: run %s is %s", worldflow.ErrRunNotResumable, runID, cp.Status)
			}
			if requestID == "" {
				if len(cp.Pending) == 0 {
					return fmt.Errorf("run %s has no pending request", runID)
				}
				requestID = cp.Pending[0].ID
			}

			input := worldflow.ResumptionInput{RequestID: requestID, Skipped: skip}
			switch {
			case skip:
			case len(answers) > 0:
				if input.Answers, err = parseAnswers(answers); err != nil {
					return err
				}
			case !noInput && c.interactive(cmd):
				req, ok := cp.PendingRequest(requestID)
				if !ok {
					return fmt.Errorf("run %s has no pending request %q", runID, requestID)
				}
				if input, err = c.prompt(ctx, req); err != nil {
					return err
				}
			default:
				return errors.New("provide --answer or --skip")
			}

			result, err := c.follow(cmd, a, runID, func() (*worldflow.Result, error) {
				return a.engine.Resume(ctx, runID, input)
			})
			if err != nil {
				return err
			}
			return c.converse(cmd, a, result, noInput)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&requestID, "request", "", "request id (defaults to the first pending request)")
	flags.StringArrayVarP(&answers, "answer", "a", nil, "answer as field=value; values are parsed as JSON when possible (repeatable)")
	flags.BoolVar(&skip, "skip", false, "skip the request")
	flags.BoolVar(&noInput, "no-input", false, "stop at the next question instead of prompting")
	return cmd
}

// converse prompts for pending requests until the run halts for another
// reason, then prints the result.
func (c *cli) converse(cmd *cobra.Command, a *app, result *worldflow.Result, noInput bool) error {
	ctx := cmd.Context()
	for result.Status == worldflow.RunSuspended && !noInput && !c.json && c.interactive(cmd) {
		input, err := c.prompt(ctx, result.Request)
		if err != nil {
			return err
		}
		runID := result.RunID
		result, err = c.follow(cmd, a, runID, func() (*worldflow.Result, error) {
			return a.engine.Resume(ctx, runID, input)
		})
		if err != nil {
			return err
		}
	}
	if err := c.printResult(cmd, result); err != nil {
		return err
	}
	if result.Status == worldflow.RunFailed || result.Status == worldflow.RunCancelled {
		return fmt.Errorf("run %s %s", result.RunID, result.Status)
	}
	return nil
}

// follow runs invoke while printing the run's progress events.
func (c *cli) follow(cmd *cobra.Command, a *app, runID string, invoke func() (*worldflow.Result, error)) (*worldflow.Result, error) {
	if c.json {
		return invoke()
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	events := a.engine.Subscribe(ctx, runID, int64(len(a.engine.Events(runID, 0))))
	done := make(chan struct{})
	go func() {
		defer close(done)
		printer := newProgressPrinter(cmd.ErrOrStderr())
		for event := range events {
			printer.print(event)
		}
	}()
	result, err := invoke()
	if err != nil {
		cancel()
	}
	<-done
	return result, err
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			cp, err := a.engine.Checkpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.json {
				return writeJSON(cmd.OutOrStdout(), cp)
			}
			printCheckpoint(cmd.OutOrStdout(), cp, a.engine.Graph().NodeNames())
			return nil
		},
	}
}

func (c *cli) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.engine.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if c.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"runs": runs})
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
}

func (c *cli) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.engine.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
			return nil
		},
	}
}

func (c *cli) graphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the steps of the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			g := a.engine.Graph()
			if c.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"name":  g.Name(),
					"nodes": g.Nodes(),
				})
			}
			printGraph(cmd.OutOrStdout(), g)
			return nil
		},
	}
}

func (c *cli) serveCommand() *cobra.Command {
	var (
		addr      string
		keepAlive time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve runs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.settings.Server.Addr
			}
			server, err := httpapi.New(httpapi.Options{
				Engine:    a.engine,
				Logger:    a.logger,
				Gatherer:  a.registry,
				KeepAlive: keepAlive,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", addr)
			return server.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings)")
	cmd.Flags().DurationVar(&keepAlive, "keep-alive", 15*time.Second, "interval of keep-alive comments on progress streams")
	return cmd
}

// parseAnswers parses field=value pairs. Values that parse as JSON keep
// their JSON type, anything else is a string. Repeating a field collects its
// values into a list.
func parseAnswers(pairs []string) (map[string]any, error) {
	answers := map[string]any{}
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid answer %q: expected field=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		existing, seen := answers[field]
		switch {
		case !seen:
			answers[field] = value
		case isList(existing):
			answers[field] = append(existing.([]any), value)
		default:
			answers[field] = []any{existing, value}
		}
	}
	return answers, nil
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}
