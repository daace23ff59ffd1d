// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"pitchtoy/internal/config"
	"pitchtoy/internal/engine"
	"pitchtoy/internal/health"
	"pitchtoy/internal/log"
	"pitchtoy/internal/observe"
	"pitchtoy/internal/transport"
	"pitchtoy/internal/transport/udp"
	"pitchtoy/internal/tui"
)

var logger = log.Component("main")

// runTuner builds the pipeline and supervises its goroutines:
//
//   - the reconnection loop (engine.Run)
//   - the frame driver, which owns engine.Update and fans results out
//   - the HTTP server and UDP publisher, when enabled
//   - the terminal UI, unless headless
//
// The first to fail, the UI quitting, or ctx being cancelled stops them all.
func runTuner(parent context.Context, cfg *config.Config, headless bool, out io.Writer) error {
	if !headless {
		f, err := redirectLogs()
		if err != nil {
			return err
		}
		defer func() {
			log.SetOutput(os.Stderr)
			f.Close()
		}()
	}

	host, err := newHost(cfg)
	if err != nil {
		return err
	}
	defer host.Close()

	prov, err := observe.NewProvider(cfg.Observe.MetricsEnabled)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := prov.Shutdown(ctx); err != nil {
			logger.Warnf("metrics shutdown: %v", err)
		}
	}()

	eng, err := engine.NewEngine(cfg, host, prov.Metrics)
	if err != nil {
		return err
	}

	var pub *udp.Publisher
	if cfg.Transport.UDPEnabled {
		sender, err := udp.NewSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			return err
		}
		defer sender.Close()
		if pub, err = udp.NewPublisher(cfg.Transport.UDPSendInterval, eng, sender); err != nil {
			return err
		}
	}

	var sinks transport.Multi
	var ws *transport.WebSocketServer
	if cfg.Transport.HTTPEnabled || cfg.Observe.MetricsEnabled {
		ws = transport.NewWebSocketServer(transport.ServerConfig{
			Addr:    cfg.Transport.HTTPAddress,
			Engine:  eng,
			Health:  health.New(health.Stream(eng), health.AudioContext(eng)),
			Metrics: prov.Handler(),
			Observe: prov.Metrics,
		})
		sinks = append(sinks, ws)
	}
	if headless {
		sinks = append(sinks, transport.NewLoggingTransport())
		if err := eng.Submit(engine.RequestMicrophonePermission{}); err != nil {
			return err
		}
		fmt.Fprintf(out, "listening on the %s host, interrupt to stop\n", host.Name())
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(ctx) })
	if ws != nil {
		g.Go(func() error { return ws.Run(ctx) })
	}
	if pub != nil {
		g.Go(func() error { return pub.Run(ctx) })
	}

	// The UI gets the newest result only; a slow terminal never holds up
	// the driver.
	ui := make(chan engine.UpdateResult, 1)
	g.Go(func() error {
		return eng.Drive(ctx, engine.DefaultFrameInterval, func(res engine.UpdateResult) {
			if len(sinks) > 0 {
				sinks.Send(transport.Frame{Result: res, Diagnostics: eng.Diagnostics()})
			}
			if headless {
				return
			}
			select {
			case ui <- res:
			default:
				select {
				case <-ui:
				default:
				}
				ui <- res
			}
		})
	})

	if !headless {
		g.Go(func() error {
			defer cancel()
			return tui.Run(ctx, eng, func(send func(engine.UpdateResult)) {
				go forward(ctx, ui, send)
			})
		})
	}

	err = g.Wait()
	if cerr := sinks.Close(); cerr != nil {
		logger.Warnf("closing transports: %v", cerr)
	}
	return err
}

func forward(ctx context.Context, ui <-chan engine.UpdateResult, send func(engine.UpdateResult)) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-ui:
			send(res)
		}
	}
}

// redirectLogs sends log output to a file so it does not tear the
// alternate screen.
func redirectLogs() (*os.File, error) {
	path := filepath.Join(os.TempDir(), "pitchtoy.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}
