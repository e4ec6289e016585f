package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/ekffusion/ekf"
	"go.viam.com/ekffusion/fusion"
	"go.viam.com/ekffusion/recorder"
	"go.viam.com/ekffusion/ros"
	"go.viam.com/ekffusion/web"
)

func loadConfig(c *cli.Context) (fusion.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		return fusion.DefaultConfig(), nil
	}
	return fusion.LoadConfig(path)
}

// ReplayAction replays a bag through the filter on a mock clock.
func ReplayAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bag, err := ros.ReadBag(c.Path(flagBag))
	if err != nil {
		return err
	}
	events, err := ros.EventsFromBag(bag, cfg)
	if err != nil {
		return err
	}
	logger.Infow("loaded bag", "path", c.Path(flagBag), "events", len(events))

	reg := prometheus.NewRegistry()
	metrics, err := fusion.NewMetrics(reg)
	if err != nil {
		return err
	}

	hub := web.NewHub(logger.Sublogger("web"))
	defer hub.Close()
	sinks := fusion.MultiSink{hub}

	var store *recorder.Store
	if path := c.Path(flagDB); path != "" {
		store, err = recorder.Open(ctx, path, cfg, logger.Sublogger("recorder"))
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, store.Close())
		}()
		sinks = append(sinks, store)
	}

	mock := clock.NewMock()
	sched, err := fusion.NewScheduler(cfg, sinks, logger.Sublogger("fusion"),
		fusion.WithClock(mock), fusion.WithMetrics(metrics))
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if addr := c.String(flagListen); addr != "" {
		server := web.NewServer(addr, hub, reg, sched.Snapshot, logger.Sublogger("web"))
		group.Go(func() error {
			return server.ListenAndServe(groupCtx)
		})
	}
	group.Go(func() error {
		// without --serve the server only lives as long as the replay
		if !c.Bool(flagServe) {
			defer stop()
		}
		start := time.Now()
		if err := sched.Replay(groupCtx, mock, events); err != nil {
			return errors.Wrap(err, "replay interrupted")
		}
		snap := sched.Snapshot()
		logger.Infow("replay finished",
			"ticks", snap.Ticks,
			"took", time.Since(start),
			"x", snap.State.AtVec(ekf.X),
			"y", snap.State.AtVec(ekf.Y),
			"yaw", snap.State.AtVec(ekf.Yaw),
		)
		if store != nil {
			fmt.Fprintf(c.App.Writer, "recorded run %s\n", store.RunID())
		}
		return nil
	})
	return group.Wait()
}

// RunsAction lists recorded runs.
func RunsAction(c *cli.Context) (err error) {
	store, err := recorder.OpenExisting(c.Context, c.Path(flagDB), logger.Sublogger("recorder"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()

	runs, err := store.Runs(c.Context)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"ID", "Started", "Samples", "Trigger", "Frequency (Hz)"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.Started.Format(time.RFC3339),
			run.Samples,
			run.Config.PublishTrigger,
			run.Config.FrequencyHz,
		})
	}
	t.Render()
	return nil
}

// PlotAction renders a recorded trajectory.
func PlotAction(c *cli.Context) (err error) {
	store, err := recorder.OpenExisting(c.Context, c.Path(flagDB), logger.Sublogger("recorder"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()

	runID := c.String(flagRun)
	if runID == "" {
		runID, err = latestRun(c.Context, store)
		if err != nil {
			return err
		}
	}
	trajectory, err := store.Trajectory(c.Context, runID)
	if err != nil {
		return err
	}
	if err := recorder.PlotTrajectory(trajectory, "run "+runID, c.Path(flagOut)); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %d poses to %s\n", len(trajectory), c.Path(flagOut))
	return nil
}

// latestRun returns the most recently started run with samples.
func latestRun(ctx context.Context, store *recorder.Store) (string, error) {
	runs, err := store.Runs(ctx)
	if err != nil {
		return "", err
	}
	var latest *recorder.Run
	for i := range runs {
		run := &runs[i]
		if run.Samples == 0 {
			continue
		}
		if latest == nil || run.Started.After(latest.Started) {
			latest = run
		}
	}
	if latest == nil {
		return "", errors.New("no recorded runs")
	}
	return latest.ID, nil
}

// ExportAction writes bag topics as json lines to stdout.
func ExportAction(c *cli.Context) error {
	bag, err := ros.ReadBag(c.Path(flagBag))
	if err != nil {
		return err
	}
	return ros.WriteTopicsJSON(bag, c.App.Writer, c.StringSlice(flagTopics))
}

// DefaultsAction prints the default configuration as json.
func DefaultsAction(c *cli.Context) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(fusion.DefaultConfig())
}
