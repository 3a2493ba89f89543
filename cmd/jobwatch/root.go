package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/config"
	"brandwriter/jobwatch-service/internal/export"
	"brandwriter/jobwatch-service/internal/guard"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/poller"
	"brandwriter/jobwatch-service/internal/watch"
)

// errSilent marks failures that were already reported to the user.
var errSilent = errors.New("reported")

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log logger.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jobwatch",
		Short:         "Start BrandWriter backend jobs and watch them to completion",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default $JOBWATCH_CONFIG)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	root.AddCommand(
		a.serveCommand(),
		a.scanCommand(),
		a.verifyCommand(),
		a.batchCommand(),
		a.emailsCommand(),
		a.leadsCommand(),
		a.healthCommand(),
		a.watchesCommand(),
		a.resourceCommand(),
		a.uploadCommand(),
		a.loginCommand(),
		a.logoutCommand(),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, OutputPaths: []string{"stderr"}})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.cfg, a.log = cfg, log
	return nil
}

// client builds the backend API client from configuration.
func (a *app) client() *apiclient.Client {
	return apiclient.New(a.cfg.Backends,
		apiclient.WithHTTPClient(&http.Client{Timeout: a.cfg.HTTPTimeout}),
		apiclient.WithCredentials(apiclient.NewStoredCredentials(a.cfg.Credentials)),
		apiclient.WithRateLimit(a.cfg.RateLimit),
		apiclient.WithLogger(a.log),
	)
}

func (a *app) pollOptions() poller.Options {
	return poller.Options{
		Interval:    a.cfg.Poll.Interval,
		MaxDuration: a.cfg.Poll.MaxDuration,
		MaxAttempts: a.cfg.Poll.MaxAttempts,
		MaxBackoff:  a.cfg.Poll.MaxBackoff,
	}
}

// localService is the in-process watch service used by one-shot commands.
func (a *app) localService(c *apiclient.Client) *watch.Service {
	return watch.NewService(watch.Deps{
		Backend: watch.NewClientBackend(c),
		Guard:   guard.NewMemoryGuard(),
		Logger:  a.log,
		Poll:    a.pollOptions(),
	})
}

// follow prints progress of watch id until it finishes, then shuts svc down.
func follow(ctx context.Context, out io.Writer, svc *watch.Service, id string) (watch.Watch, error) {
	var last string
	unsubscribe := svc.Store().Subscribe(func(d watch.Dashboard) {
		if d.Last.ID != id {
			return
		}
		line := progressLine(d.Last)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	})
	defer unsubscribe()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	}()

	w, err := svc.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		// Interrupted by the user: stop the poller and report what we saw.
		return svc.Cancel(context.Background(), id)
	}
	return w, err
}

func progressLine(w watch.Watch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s %d%%", w.Kind, w.BackendJobID, w.Job.Status, w.Job.Progress)
	if w.Job.CurrentStep != "" {
		fmt.Fprintf(&b, " %s", w.Job.CurrentStep)
	}
	for _, k := range slices.Sorted(maps.Keys(w.Job.Counters)) {
		fmt.Fprintf(&b, " %s=%d", k, w.Job.Counters[k])
	}
	if w.Outcome != "" {
		fmt.Fprintf(&b, " → %s", w.Outcome)
	}
	return b.String()
}

// finalError turns a non-completed watch into a command failure.
func finalError(w watch.Watch) error {
	switch w.Outcome {
	case poller.OutcomeCompleted:
		return nil
	case poller.OutcomeFailed:
		return fmt.Errorf("job %s failed: %s", w.BackendJobID, w.Error)
	case poller.OutcomeTimedOut:
		return fmt.Errorf("job %s did not finish: %s", w.BackendJobID, w.Error)
	default:
		return fmt.Errorf("job %s watch %s", w.BackendJobID, w.Outcome)
	}
}

// outputFlags are shared by list-style commands.
type outputFlags struct {
	format string
	file   string
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.format, "output", "o", "table", "table, csv, xlsx or json")
	cmd.Flags().StringVar(&o.file, "out", "", "write to this file instead of stdout")
}

func (o *outputFlags) write(cmd *cobra.Command, t export.Table, records any) error {
	f, err := export.ParseFormat(o.format)
	if err != nil {
		return err
	}
	if f == export.FormatXLSX && o.file == "" {
		return errors.New("xlsx output needs --out")
	}

	var w io.Writer = cmd.OutOrStdout()
	if o.file != "" {
		fh, err := os.Create(o.file)
		if err != nil {
			return fmt.Errorf("create %s: %w", o.file, err)
		}
		defer fh.Close()
		w = fh
	}
	if err := export.Write(w, f, t, records); err != nil {
		return err
	}
	if o.file != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", len(t.Rows), o.file)
	}
	return nil
}

// cliStatus maps local errors onto the statuses used by error presentation.
func cliStatus(err error) (int, bool) {
	var ve *watch.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, true
	case watch.IsNotFound(err):
		return http.StatusNotFound, true
	case errors.Is(err, guard.ErrInFlight):
		return http.StatusConflict, true
	}
	return http.StatusInternalServerError, true
}
