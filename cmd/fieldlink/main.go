// cmd/fieldlink/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/fieldlink/internal/config"
	"github.com/tamzrod/fieldlink/internal/engine"
	"github.com/tamzrod/fieldlink/internal/status"
	"github.com/tamzrod/fieldlink/internal/store"
)

func main() {
	cfgPath := flag.String("config", "fieldlink.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	report := flag.Duration("report", 0, "log every point value at this interval (0 disables)")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	ports := flag.Bool("list-ports", false, "print serial ports and exit")
	flag.Parse()

	if *ports {
		if err := listPorts(os.Stdout, enumerator.GetDetailedPortsList); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	if err := run(*cfgPath, *report, *watch, log); err != nil {
		log.Error("fieldlink stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfgPath string, report time.Duration, watch bool, log *slog.Logger) error {
	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	timeout := time.Duration(cfg.Engine.TimeoutMs) * time.Millisecond
	eng, err := engine.New(cfg, engine.DefaultTransports(timeout), engine.WithLogger(log))
	if err != nil {
		return fmt.Errorf("engine build failed: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("engine close", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if watch {
		g.Go(func() error {
			return config.Watch(gctx, cfgPath, log, func(next *config.Config) {
				if err := eng.Reload(next); err != nil {
					log.Error("reload failed", "err", err)
				}
			})
		})
	}

	if report > 0 {
		g.Go(func() error {
			reportLoop(gctx, eng, report, log)
			return nil
		})
	}

	log.Info("fieldlink running", "config", cfgPath, "devices", len(cfg.Devices))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func reportLoop(ctx context.Context, eng *engine.Engine, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		for _, j := range eng.Jobs() {
			attrs := []any{"job", j.ID, "device", j.Device, "state", j.State.String(), "due", j.Due.Format(time.RFC3339)}
			if j.Attempt > 0 {
				attrs = append(attrs, "attempt", j.Attempt, "err", j.LastErr)
			}
			log.Debug("job", attrs...)
		}

		seen := map[string]bool{}
		for _, id := range eng.Points() {
			pv, err := eng.GetPoint(id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				log.Info("point", "point", id, "health", "unread")
			case err != nil:
				log.Warn("point", "point", id, "err", err)
			case pv.Health == store.Failed:
				log.Info("point", "point", id, "health", pv.Health.String(), "reason", pv.Reason.String(), "value", pv.Value.String())
			default:
				attrs := []any{"point", id, "health", pv.Health.String(), "value", pv.Value.String(), "ts", pv.Timestamp.Format(time.RFC3339)}
				if n, ok := pv.Value.Uint(); ok {
					attrs = append(attrs, "uint", n)
				}
				log.Info("point", attrs...)
			}

			dev, _, _ := strings.Cut(id, "/")
			if seen[dev] {
				continue
			}
			seen[dev] = true
			if snap, ok := eng.DeviceStatus(dev); ok {
				log.Info("device", "device", dev, "health", status.HealthName(snap.Health),
					"last_error", snap.LastError.String(), "seconds_in_error", snap.SecondsInError)
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
