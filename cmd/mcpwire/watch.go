package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpwire/internal/connwatch"
	"github.com/nugget/mcpwire/internal/events"
	"github.com/nugget/mcpwire/internal/mcp"
	"github.com/nugget/mcpwire/internal/mqtt"
)

// eventBuffer is the subscriber buffer for the watch event printer.
const eventBuffer = 256

// mqttStopTimeout bounds the offline publish and disconnect on exit.
const mqttStopTimeout = 5 * time.Second

// runWatch keeps every configured server connected until ctx ends or a
// signal arrives, printing client events as they happen. A lost stream
// marks its server down and, after the configured reconnect delay,
// kicks its watcher into initializing again. When an MQTT broker is
// configured, server states and events are published to it as well.
func (e *env) runWatch(ctx context.Context) error {
	if len(e.cfg.Servers) == 0 {
		return errors.New("no servers configured")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	sub := bus.Subscribe(eventBuffer)
	defer bus.Unsubscribe(sub)

	mgr := connwatch.NewManager(e.logger)
	names := make(map[string]string, len(e.cfg.Servers))
	serverNames := make([]string, len(e.cfg.Servers))
	for i, s := range e.cfg.Servers {
		names[s.URL] = s.Name
		serverNames[i] = s.Name
	}

	var pub *mqtt.Publisher
	if e.cfg.MQTT.Configured() {
		pub = mqtt.New(e.cfg.MQTT, serverNames, mgr, e.logger)
	}
	refresh := func() {
		if pub != nil {
			pub.Refresh()
		}
	}
	delay := e.cfg.Watch.ReconnectDelay

	client := e.newClient(bus, func(serverURL string) {
		w, ok := mgr.Watcher(names[serverURL])
		if !ok {
			return
		}
		w.MarkDown(fmt.Errorf("%w: %s", mcp.ErrConnectionLost, serverURL))
		e.logger.Info("reconnect scheduled", "server", names[serverURL], "delay", delay)
		time.AfterFunc(delay, w.Kick)
	})
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)

	backoff := connwatch.DefaultBackoffConfig()
	backoff.PollInterval = e.cfg.Watch.PollInterval
	backoff.ProbeTimeout = e.cfg.Client.RequestTimeout + e.cfg.Client.EndpointTimeout

	for _, s := range e.cfg.Servers {
		mgr.Watch(gctx, connwatch.WatcherConfig{
			Name: s.Name,
			Connect: func(ctx context.Context) error {
				_, err := client.Initialize(ctx, s.URL)
				return err
			},
			Check: func(ctx context.Context) error {
				return client.Ping(ctx, s.URL)
			},
			Backoff: backoff,
			OnReady: refresh,
			OnDown: func(err error) {
				e.logger.Warn("MCP server down", "server", s.Name, "error", err)
				refresh()
			},
		})
	}

	if pub != nil {
		g.Go(func() error {
			return pub.Start(gctx)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-sub:
				if err := e.printEvent(ev); err != nil {
					return err
				}
				if pub != nil {
					pub.PublishEvent(ev)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		mgr.Stop()
		return nil
	})

	err := g.Wait()
	if pub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), mqttStopTimeout)
		if serr := pub.Stop(stopCtx); serr != nil {
			e.logger.Warn("mqtt disconnect failed", "error", serr)
		}
		stopCancel()
	}
	if err != nil {
		return err
	}
	return e.printStatus(mgr.Status())
}

// printEvent writes one client event as a line of text or JSON.
func (e *env) printEvent(ev events.Event) error {
	if e.outputFmt == "json" {
		return e.writeJSONLine(ev)
	}
	line := ev.Timestamp.Format(time.TimeOnly) + " " + ev.Kind
	for _, k := range slices.Sorted(maps.Keys(ev.Data)) {
		line += fmt.Sprintf(" %s=%v", k, ev.Data[k])
	}
	_, err := fmt.Fprintln(e.stdout, line)
	return err
}

// printStatus writes the final state of every watched server.
func (e *env) printStatus(status map[string]connwatch.ServerStatus) error {
	names := slices.Sorted(maps.Keys(status))
	if e.outputFmt == "json" {
		out := make([]connwatch.ServerStatus, 0, len(names))
		for _, n := range names {
			out = append(out, status[n])
		}
		return e.writeJSON(out)
	}
	for _, n := range names {
		s := status[n]
		state := "down"
		if s.Ready {
			state = "ready"
		}
		fmt.Fprintf(e.stdout, "%-24s %-6s connects=%d", n, state, s.Connects)
		if s.LastError != "" {
			fmt.Fprintf(e.stdout, " last_error=%q", s.LastError)
		}
		fmt.Fprintln(e.stdout)
	}
	return nil
}
