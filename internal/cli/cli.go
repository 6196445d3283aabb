// ============================================================================
// Warden CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the master, the worker processes it
//          spawns and the client actions that talk to a running master
//
// Command Structure:
//   warden [action]                # start|stop|restart|reload|status|connections
//   │   ├── --config, -c          # config file
//   │   ├── --host, -H            # listen host override (http / gateway)
//   │   ├── --port, -p            # listen port override (http / gateway)
//   │   ├── --server, -s          # http | gateway.<name>[.<role>] | queue.<name> | server.<name> | task
//   │   ├── --daemon, -d          # detach
//   │   └── --output, -o          # status output: yaml or json
//   ├── enqueue -f jobs.json       # seed a queue store
//   ├── schedule -f tasks.json     # seed the task store
//   ├── push [--client id] msg     # push to gateway clients through the register
//   └── config                     # print the effective configuration
//
// Worker processes re-execute the same binary with the same arguments and
// WARDEN_WORKER_SERVICE/WARDEN_WORKER_ID set; start notices them first.
//
// Exit codes:
//   0  success, or a client action against a master that is not running
//   1  fatal misconfiguration (bad selection, bad config, all workers fatal)
//   n  a worker process ends with the code its service asked for
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/gateway"
	"github.com/ChuLiYu/warden/internal/logging"
	"github.com/ChuLiYu/warden/internal/queue"
	"github.com/ChuLiYu/warden/internal/supervisor"
	"github.com/ChuLiYu/warden/internal/task"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Actions accepted as the first argument.
const (
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionRestart     = "restart"
	ActionReload      = "reload"
	ActionStatus      = "status"
	ActionConnections = "connections"
)

var actions = []string{ActionStart, ActionStop, ActionRestart, ActionReload, ActionStatus, ActionConnections}

// ExitError carries the process exit code out of Execute.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Options are the flags shared by every action.
type Options struct {
	ConfigFile string
	Host       string
	Port       int
	Server     string
	Daemon     bool
	Output     string
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := BuildCLI()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(stderr, exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintln(stderr, err)
	return 1
}

func BuildCLI() *cobra.Command {
	opts := &Options{}
	rootCmd := &cobra.Command{
		Use:   "warden [start|stop|restart|reload|status|connections]",
		Short: "Warden: a multi-service event-driven worker supervisor",
		Long: `Warden runs HTTP, gateway, queue, task and custom services as
supervised pools of worker processes:
- each worker process runs one single-threaded event loop
- crashed workers are respawned with backoff
- reload restarts workers without dropping the master
- status and connections are served over a control socket`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			action := ActionStart
			if len(args) == 1 {
				action = args[0]
			}
			return runAction(cmd, opts, action)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "config file path (default ./warden.yaml or ./configs/warden.yaml)")
	rootCmd.Flags().StringVarP(&opts.Host, "host", "H", "", "listen host override for http and gateway services")
	rootCmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "listen port override for http and gateway services")
	rootCmd.Flags().StringVarP(&opts.Server, "server", "s", "", "run one service: http, task, queue.<name>, server.<name>, gateway.<name>[.register|business|gateway]")
	rootCmd.Flags().BoolVarP(&opts.Daemon, "daemon", "d", false, "run in the background")
	rootCmd.Flags().StringVarP(&opts.Output, "output", "o", "yaml", "status output format: yaml or json")

	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildScheduleCommand(opts))
	rootCmd.AddCommand(buildConfigCommand(opts))
	rootCmd.AddCommand(buildPushCommand(opts))
	return rootCmd
}

func runAction(cmd *cobra.Command, opts *Options, action string) error {
	valid := false
	for _, a := range actions {
		if a == action {
			valid = true
		}
	}
	if !valid {
		return &ExitError{Code: 1, Err: fmt.Errorf("Invalid argument action:%s, Expected %s .", action, strings.Join(actions, "|"))}
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	paths := supervisor.NewPaths(cfg.RuntimePath)

	if svc, id, ok := supervisor.ChildFromEnv(); ok {
		return runWorker(cfg, paths, opts, svc, id)
	}

	out := cmd.OutOrStdout()
	switch action {
	case ActionStart:
		return start(cmd.Context(), cfg, paths, opts, out)
	case ActionStop:
		return stop(cfg, paths, out)
	case ActionRestart:
		if err := stop(cfg, paths, out); err != nil {
			return err
		}
		return start(cmd.Context(), cfg, paths, opts, out)
	case ActionReload:
		return reload(cmd.Context(), paths, opts, out)
	case ActionStatus:
		return status(cmd.Context(), paths, opts.Output, out)
	default:
		return connections(cmd.Context(), paths, out)
	}
}

// ----------------------------------------------------------------------------
// start
// ----------------------------------------------------------------------------

func start(ctx context.Context, cfg *config.Config, paths supervisor.Paths, opts *Options, out io.Writer) error {
	sel, err := supervisor.ParseSelection(opts.Server)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if pid, err := supervisor.RunningPid(paths.PidFile); err == nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("%w (pid %d)", types.ErrAlreadyRunning, pid)}
	}
	if err := paths.Prepare(); err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	if (opts.Daemon || cfg.Daemonize) && !supervisor.Daemonized() {
		pid, err := supervisor.Daemonize(paths)
		if err != nil {
			return &ExitError{Code: 1, Err: err}
		}
		fmt.Fprintf(out, "warden started in daemon mode (pid %d), output in %s\n", pid, paths.StdoutFile)
		return nil
	}

	logger, err := logging.Setup(cfg.Log, paths.Dir)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	defer func() { _ = logger.Sync() }()

	entries, err := supervisor.Build(cfg, sel, supervisor.Deps{Logger: logger, Host: opts.Host, Port: opts.Port})
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	master, err := supervisor.NewMaster(supervisor.MasterOptions{
		Config:  cfg,
		Paths:   paths,
		Entries: entries,
		Logger:  logger,
		Signals: true,
	})
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if err := master.Run(ctx); err != nil {
		logger.Error("master stopped", zap.Error(err))
		return &ExitError{Code: 1, Err: err}
	}
	return nil
}

func runWorker(cfg *config.Config, paths supervisor.Paths, opts *Options, svc string, id int) error {
	logger, err := logging.Setup(logging.ForWorker(cfg.Log, svc, id), paths.Dir)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	logger = logger.With(zap.String("service", svc), zap.Int("worker", id), zap.Int("pid", os.Getpid()))
	defer func() { _ = logger.Sync() }()

	// The worker reacts to SIGTERM/SIGUSR1 itself; nothing cancels ctx.
	code, err := supervisor.RunChild(context.Background(), supervisor.ChildOptions{
		Config:  cfg,
		Paths:   paths,
		Service: svc,
		ID:      id,
		Host:    opts.Host,
		Port:    opts.Port,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("worker stopped", zap.Error(err), zap.Int("exit_code", code))
	}
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// ----------------------------------------------------------------------------
// client actions
// ----------------------------------------------------------------------------

func stop(cfg *config.Config, paths supervisor.Paths, out io.Writer) error {
	pid, err := supervisor.SignalMaster(paths.PidFile, unix.SIGTERM)
	if errors.Is(err, types.ErrNotRunning) {
		fmt.Fprintln(out, "warden not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "warden stopping (pid %d) ...\n", pid)
	if !supervisor.WaitExit(pid, cfg.StopTimeout+5*time.Second) {
		return fmt.Errorf("warden (pid %d) did not stop in time", pid)
	}
	fmt.Fprintln(out, "warden stopped")
	return nil
}

func reload(ctx context.Context, paths supervisor.Paths, opts *Options, out io.Writer) error {
	if opts.Server == "" {
		pid, err := supervisor.SignalMaster(paths.PidFile, unix.SIGUSR1)
		if errors.Is(err, types.ErrNotRunning) {
			fmt.Fprintln(out, "warden not running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "warden (pid %d) reloading every service\n", pid)
		return nil
	}

	sel, err := supervisor.ParseSelection(opts.Server)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	err = supervisor.NewControlClient(paths.ControlSocket, 5*time.Second).Reload(ctx, sel.String())
	if errors.Is(err, types.ErrNotRunning) {
		fmt.Fprintln(out, "warden not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reloading %s\n", sel)
	return nil
}

func status(ctx context.Context, paths supervisor.Paths, format string, out io.Writer) error {
	st, err := supervisor.NewControlClient(paths.ControlSocket, 5*time.Second).Status(ctx)
	if errors.Is(err, types.ErrNotRunning) {
		fmt.Fprintln(out, "warden not running")
		return nil
	}
	if err != nil {
		return err
	}
	return render(out, format, st)
}

func connections(ctx context.Context, paths supervisor.Paths, out io.Writer) error {
	conns, err := supervisor.NewControlClient(paths.ControlSocket, 10*time.Second).Connections(ctx)
	if errors.Is(err, types.ErrNotRunning) {
		fmt.Fprintln(out, "warden not running")
		return nil
	}
	if err != nil {
		return err
	}
	printConnections(out, conns)
	return nil
}

func printConnections(out io.Writer, conns []types.ConnectionInfo) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tWORKER\tID\tPROTOCOL\tREMOTE\tSINCE\tSEND_QUEUE")
	for _, c := range conns {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%d\n",
			c.Service, c.Worker, c.ID, c.Protocol, c.RemoteAddr, c.Since.Format(time.DateTime), c.SendQueue)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "%d connection(s)\n", len(conns))
}

func render(out io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return &ExitError{Code: 1, Err: fmt.Errorf("unknown output format %q, expected yaml or json", format)}
	}
}

// ----------------------------------------------------------------------------
// enqueue / schedule / config
// ----------------------------------------------------------------------------

// jobInput is one element of an enqueue file.
type jobInput struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Queue   string         `json:"queue"`
	Payload map[string]any `json:"payload"`
	DelayMs int64          `json:"delay_ms"`
}

func buildEnqueueCommand(opts *Options) *cobra.Command {
	var jobFile, queueName, connection string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and push them to a queue store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			return enqueueJobs(cmd.Context(), cfg, jobFile, queueName, connection, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue for jobs that do not name one")
	cmd.Flags().StringVar(&connection, "connection", "", "queue connection (default queue.default_connection)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func enqueueJobs(ctx context.Context, cfg *config.Config, filePath, queueName, connection string, out io.Writer) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	var input []jobInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	storeCfg, err := cfg.Store(connection)
	if err != nil {
		return err
	}
	store, err := queue.Open(ctx, storeCfg, cfg.RuntimePath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer store.Close()

	now := time.Now()
	ok := 0
	for _, j := range input {
		job := &types.Job{
			ID:      types.JobID(j.ID),
			Queue:   j.Queue,
			Name:    j.Name,
			Payload: j.Payload,
		}
		if job.Queue == "" {
			job.Queue = queueName
		}
		if job.Queue == "" {
			fmt.Fprintf(out, "skip job %q: no queue\n", j.ID)
			continue
		}
		if j.DelayMs > 0 {
			job.AvailableAt = now.Add(time.Duration(j.DelayMs) * time.Millisecond)
		}
		if err := store.Push(ctx, job); err != nil {
			fmt.Fprintf(out, "Failed to enqueue job %s: %v\n", job.ID, err)
			continue
		}
		ok++
	}
	fmt.Fprintf(out, "Successfully enqueued %d/%d jobs\n", ok, len(input))
	return nil
}

// taskInput is one element of a schedule file. Interval is a Go duration
// string such as "1h"; empty means one-shot.
type taskInput struct {
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload"`
	RunAt    time.Time      `json:"run_at"`
	Interval string         `json:"interval"`
}

func buildScheduleCommand(opts *Options) *cobra.Command {
	var taskFile string
	var list bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule tasks from a JSON file, or list scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			if list {
				return listTasks(cmd.Context(), cfg, cmd.OutOrStdout())
			}
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			return scheduleTasks(cmd.Context(), cfg, taskFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list tasks instead of adding")
	return cmd
}

func scheduleTasks(ctx context.Context, cfg *config.Config, filePath string, out io.Writer) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}
	var input []taskInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to parse task file: %w", err)
	}

	store, err := task.Open(cfg.Task.Store, cfg.RuntimePath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	ok := 0
	for _, in := range input {
		rec := &types.TaskRecord{Name: in.Name, Payload: in.Payload, RunAt: in.RunAt}
		if in.Interval != "" {
			d, err := time.ParseDuration(in.Interval)
			if err != nil {
				fmt.Fprintf(out, "skip task %q: bad interval: %v\n", in.Name, err)
				continue
			}
			rec.Interval = d
		}
		id, err := store.Add(ctx, rec)
		if err != nil {
			fmt.Fprintf(out, "Failed to schedule task %s: %v\n", in.Name, err)
			continue
		}
		fmt.Fprintf(out, "task %d %s at %s\n", id, rec.Name, rec.RunAt.Format(time.RFC3339))
		ok++
	}
	fmt.Fprintf(out, "Successfully scheduled %d/%d tasks\n", ok, len(input))
	return nil
}

func listTasks(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, err := task.Open(cfg.Task.Store, cfg.RuntimePath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	tasks, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tRUN_AT\tINTERVAL\tLAST_ERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.Status, t.RunAt.Format(time.DateTime), t.Interval, t.LastError)
	}
	return tw.Flush()
}

func buildConfigCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			raw, err := cfg.Render()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
}

func buildPushCommand(opts *Options) *cobra.Command {
	var triad, clientID string

	cmd := &cobra.Command{
		Use:   "push [message]",
		Short: "Send a message to one gateway client, or to every client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			client, err := gateway.ClientFor(cfg, triad)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if clientID == "" {
				err = client.SendToAll(ctx, []byte(args[0]))
			} else {
				err = client.SendToClient(ctx, clientID, []byte(args[0]))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}

	cmd.Flags().StringVarP(&triad, "gateway", "g", "", "gateway triad name (default: first configured)")
	cmd.Flags().StringVar(&clientID, "client", "", "client id (default: every client)")
	return cmd
}
