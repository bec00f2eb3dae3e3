// durable is the operational CLI for the orchestration engine: run a worker
// node with its timer runner and HTTP API, schedule instances, raise events,
// and inspect state. All commands share one SQLite database, so the control
// commands work against a live serve process.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/client"
	"github.com/goliatone/go-durable/cron"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/eventstore"
	"github.com/goliatone/go-durable/examples/workflows"
	"github.com/goliatone/go-durable/metrics"
	"github.com/goliatone/go-durable/orchestration"
	"github.com/goliatone/go-durable/server"
	"github.com/goliatone/go-durable/timers"
	"github.com/goliatone/go-durable/worker"
	"github.com/goliatone/go-logger/glog"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

type Globals struct {
	Config   string `short:"c" help:"Path to YAML config file." type:"path"`
	Database string `help:"Override the SQLite database path."`
	Hub      string `help:"Override the task hub name."`
	Debug    bool   `help:"Enable debug logging."`
}

type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Run the worker pool, timer runner, and HTTP API."`
	Schedule  ScheduleCmd  `cmd:"" help:"Schedule a new orchestration instance."`
	Raise     RaiseCmd     `cmd:"" help:"Raise an external event into an instance."`
	Terminate TerminateCmd `cmd:"" help:"Force-stop an instance."`
	Status    StatusCmd    `cmd:"" help:"Show one instance."`
	Ps        PsCmd        `cmd:"" help:"List instances."`
	Purge     PurgeCmd     `cmd:"" help:"Delete finished instances past retention."`
}

type app struct {
	cfg    durable.Config
	logger durable.Logger
	db     *sql.DB
	store  eventstore.Store
	queue  dispatcher.Queue
	timers timers.Store
	states entity.Store
	client *client.Client
}

func (g Globals) build() (*app, error) {
	cfg, err := durable.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(g.Database) != "" {
		cfg.DatabasePath = g.Database
	}
	if strings.TrimSpace(g.Hub) != "" {
		cfg.TaskHub = g.Hub
	}

	level := "info"
	if g.Debug {
		level = "debug"
	}
	logger := durable.NewGlogAdapter(glog.NewLogger(glog.WithLevel(level)))

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	a := &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		store:  eventstore.NewSQLiteStore(db, cfg.TaskHub),
		queue: dispatcher.NewSQLiteQueue(db, cfg.TaskHub,
			dispatcher.WithSQLiteLeaseDuration(cfg.LeaseDuration),
			dispatcher.WithSQLitePollInterval(cfg.PollInterval)),
		timers: timers.NewSQLiteStore(db, cfg.TaskHub),
		states: entity.NewSQLiteStore(db, cfg.TaskHub),
	}
	a.client, err = client.New(a.store, a.queue, client.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a != nil && a.db != nil {
		_ = a.db.Close()
	}
}

type ServeCmd struct {
	WithExamples bool `help:"Register the demo workflows and entities."`
}

func (cmd *ServeCmd) Run(a *app) error {
	registry := orchestration.NewRegistry()
	entities := entity.NewRegistry()
	if cmd.WithExamples {
		if err := workflows.Register(registry, entities); err != nil {
			return err
		}
	}
	invoker := entity.NewInvoker(a.states, entities, entity.WithInvokerLogger(a.logger))

	wm := metrics.NewWorkerMetrics("durable")
	w, err := worker.New(a.store, a.queue, a.timers, registry, invoker,
		worker.WithConcurrency(a.cfg.Concurrency),
		worker.WithLogger(a.logger),
		worker.WithMetrics(wm),
	)
	if err != nil {
		return err
	}
	runner := timers.NewRunner(a.timers, worker.NewTimerFire(a.store, a.queue),
		timers.WithInterval(a.cfg.TimerInterval),
		timers.WithLogger(a.logger),
	)
	handler, err := server.New(server.Config{
		Client:  a.client,
		Logger:  a.logger,
		Metrics: wm.Handler(),
	})
	if err != nil {
		return err
	}

	sched := cron.NewScheduler(cron.WithLogger(a.logger))
	_, err = sched.Schedule(a.cfg.PurgeSchedule, "retention_purge", func(ctx context.Context) error {
		purged, err := a.client.PurgeCompleted(ctx, a.cfg.Retention)
		if purged > 0 {
			a.logger.Info("purged %d finished instances", purged)
		}
		return err
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop(context.Background()) }()

	srv := &http.Server{Addr: a.cfg.ListenAddr, Handler: handler}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("http api listening on %s (hub %s)", a.cfg.ListenAddr, a.cfg.TaskHub)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type ScheduleCmd struct {
	Orchestrator string `arg:"" help:"Registered orchestrator name."`
	Input        string `help:"JSON input payload."`
	ID           string `help:"Pin the instance id instead of generating one."`
	Wait         bool   `help:"Block until the instance finishes."`
}

func (cmd *ScheduleCmd) Run(a *app) error {
	ctx := context.Background()
	opts := []client.ScheduleOption{}
	if cmd.ID != "" {
		opts = append(opts, client.WithInstanceID(cmd.ID))
	}
	if cmd.Input != "" {
		if !json.Valid([]byte(cmd.Input)) {
			return fmt.Errorf("--input must be valid JSON")
		}
		opts = append(opts, client.WithRawInput([]byte(cmd.Input)))
	}
	id, err := a.client.ScheduleNewOrchestration(ctx, cmd.Orchestrator, opts...)
	if err != nil {
		return err
	}
	fmt.Println(id)
	if !cmd.Wait {
		return nil
	}
	inst, err := a.client.WaitForCompletion(ctx, id)
	if err != nil {
		return err
	}
	return printInstance(inst)
}

type RaiseCmd struct {
	Instance string `arg:"" help:"Instance id."`
	Event    string `arg:"" help:"Event name."`
	Payload  string `help:"JSON event payload."`
}

func (cmd *RaiseCmd) Run(a *app) error {
	var payload any
	if cmd.Payload != "" {
		if !json.Valid([]byte(cmd.Payload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}
		payload = json.RawMessage(cmd.Payload)
	}
	return a.client.RaiseEvent(context.Background(), cmd.Instance, cmd.Event, payload)
}

type TerminateCmd struct {
	Instance string `arg:"" help:"Instance id."`
	Reason   string `help:"Human-readable reason." default:"terminated by operator"`
}

func (cmd *TerminateCmd) Run(a *app) error {
	return a.client.Terminate(context.Background(), cmd.Instance, cmd.Reason)
}

type StatusCmd struct {
	Instance string `arg:"" help:"Instance id."`
	History  bool   `help:"Also print the instance's event log."`
}

func (cmd *StatusCmd) Run(a *app) error {
	ctx := context.Background()
	inst, err := a.client.GetStatus(ctx, cmd.Instance)
	if err != nil {
		return err
	}
	if err := printInstance(inst); err != nil {
		return err
	}
	if !cmd.History {
		return nil
	}
	events, err := a.client.GetHistory(ctx, cmd.Instance)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Seq", "Kind", "Schedule", "Name", "Timestamp"})
	for _, e := range events {
		t.AppendRow(table.Row{e.SequenceID, e.Kind, e.ScheduleID, e.Name, e.Timestamp.Format(time.RFC3339)})
	}
	t.Render()
	return nil
}

type PsCmd struct {
	Limit int `help:"Maximum instances to list." default:"20"`
}

func (cmd *PsCmd) Run(a *app) error {
	instances, err := a.client.ListInstances(context.Background(), cmd.Limit)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Instance", "Orchestrator", "Status", "Custom Status", "Created", "Updated"})
	for _, inst := range instances {
		t.AppendRow(table.Row{
			inst.InstanceID,
			inst.Orchestrator,
			inst.Status,
			inst.CustomStatus,
			inst.CreatedAt.Format(time.RFC3339),
			inst.UpdatedAt.Format(time.RFC3339),
		})
	}
	t.Render()
	return nil
}

type PurgeCmd struct {
	Retention time.Duration `help:"Keep instances finished within this window." default:"24h"`
}

func (cmd *PurgeCmd) Run(a *app) error {
	purged, err := a.client.PurgeCompleted(context.Background(), cmd.Retention)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d instances\n", purged)
	return nil
}

func printInstance(inst *durable.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("durable"),
		kong.Description("Durable orchestration engine: event-sourced workflows, timers, and entities on SQLite."),
		kong.UsageOnError(),
	)
	a, err := cli.Globals.build()
	kctx.FatalIfErrorf(err)
	defer a.Close()
	kctx.FatalIfErrorf(kctx.Run(a))
}
