package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/drivers"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logfile"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

// errScriptFailed makes the process exit non zero without printing again.
var errScriptFailed = errors.New("script finished with errors")

type runOptions struct {
	configPath      string
	resource        string
	continueOnError bool
	rowLimit        int
	maxResultSets   int
	delimiter       bool
	noLimitClause   bool
	profile         bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [script.sql|-]",
	Short: "Execute a SQL script",
	Long: `Run executes every statement of a script on one session of the chosen
resource and prints the action log and result sets as they arrive.

Use "-" to read the script from stdin. Ctrl-C cancels the script and kills
the running statement on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		script, err := readScript(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		return runScript(cmd.Context(), runOpts, script)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.configPath, "config", "./resources.yaml", "Path to resource file (.yaml or .json)")
	f.StringVar(&runOpts.resource, "resource", "", "Name of the resource to run against")
	f.BoolVar(&runOpts.continueOnError, "continue-on-error", false, "Keep going after a failing statement")
	f.IntVar(&runOpts.rowLimit, "row-limit", 0, "Rows kept per result set (0 keeps all)")
	f.IntVar(&runOpts.maxResultSets, "max-result-sets", 0, "Result sets kept per run (0 uses the default, negative disables the ceiling)")
	f.BoolVar(&runOpts.delimiter, "delimiter", false, "Start with $$ as statement delimiter instead of ;")
	f.BoolVar(&runOpts.noLimitClause, "no-limit-clause", false, "Do not append LIMIT to SELECT statements")
	f.BoolVar(&runOpts.profile, "profile", false, "Collect session counters per statement")
	_ = runCmd.MarkFlagRequired("resource")
	rootCmd.AddCommand(runCmd)
}

func readScript(arg string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

func (o runOptions) execOptions() engine.ExecOptions {
	return engine.ExecOptions{
		DontAddLimitClause:    o.noLimitClause,
		NonStandardDelimiter:  o.delimiter,
		ContinueOnError:       o.continueOnError,
		CollectProfilingStats: o.profile,
		MaxResultSets:         o.maxResultSets,
		RowLimit:              o.rowLimit,
	}
}

func runScript(ctx context.Context, opts runOptions, script string) error {
	logs := logfile.New("ori-runner-cli", logfile.ParseLevel(logLevel, slog.LevelInfo), "")
	slog.SetDefault(logs.Open())
	defer func() { _ = logs.Close() }()

	catalog := service.NewResourceCatalogService(opts.configPath)
	if err := catalog.LoadResources(); err != nil {
		return err
	}

	hub := events.NewHubWithBuffer(1024)
	defer hub.Close()
	sessions := service.NewSessionService(catalog, service.NewPasswordService(), drivers.Registry(), hub)
	scripts := service.NewScriptService(sessions, hub)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessions.CloseAll(closeCtx)
	}()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s", opts.resource))
	rs, err := sessions.Open(ctx, opts.resource)
	if err != nil {
		spinner.Fail(err.Error())
		return errScriptFailed
	}
	spinner.Success(fmt.Sprintf("Connected to %s (%s)", rs.Name, rs.Type))

	stream, unsubscribe := hub.Subscribe(events.ForSession(rs.Name))
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for evt := range stream {
			if printEvent(evt) {
				return
			}
		}
	}()

	job, err := scripts.Exec(ctx, service.ExecRequest{
		SessionName: rs.Name,
		Script:      script,
		Options:     opts.execOptions(),
	})
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-interrupt:
			pterm.Warning.Println("Cancelling script")
			if err := scripts.Cancel(context.Background(), job.ID); err != nil {
				pterm.Error.Println(err.Error())
			}
		case <-finished:
		}
	}()

	if err := scripts.Wait(ctx, job.ID); err != nil {
		return err
	}
	select {
	case <-printed:
	case <-time.After(time.Second):
		// the completion event was dropped by a full stream
	}

	result, err := scripts.Result(job.ID)
	if err != nil {
		return err
	}
	renderReport(result)
	if result.Status != service.JobStatusSuccess || (result.Report != nil && result.Report.Errors > 0) {
		return errScriptFailed
	}
	return nil
}

func exitCode(err error) int {
	if errors.Is(err, errScriptFailed) {
		return 2
	}
	return 1
}
