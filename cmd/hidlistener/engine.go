package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/bindings"
	"github.com/breeze-rmm/hidlistener/internal/config"
	"github.com/breeze-rmm/hidlistener/internal/health"
	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/hid/replay"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/logging"
	"github.com/breeze-rmm/hidlistener/internal/platform"
	"github.com/breeze-rmm/hidlistener/internal/secmem"
	"github.com/breeze-rmm/hidlistener/internal/sessionbroker"
	"github.com/breeze-rmm/hidlistener/internal/transport"
	"github.com/breeze-rmm/hidlistener/internal/websocket"
	"github.com/breeze-rmm/hidlistener/internal/workerpool"
)

var log = logging.L("main")

const shutdownTimeout = 5 * time.Second

// engine is everything a running listener owns besides the hooks
// themselves, which live behind internal/bindings.
type engine struct {
	cfg         *config.Config
	backendName string
	trusted     bool

	owner     *workerpool.Pool
	router    *transport.Router
	monitor   *health.Monitor
	broker    *sessionbroker.Broker
	forwarder *websocket.Client
	token     *secmem.Secret
}

func runListener() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	trusted := platform.InputTrusted(true)
	if !trusted {
		log.Warn("input monitoring is not permitted for this process; grant access and restart")
	}
	return serve(cfg, platform.Backend(), platform.Name, trusted, nil)
}

func runReplay(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	script, err := replay.Load(path)
	if err != nil {
		return fmt.Errorf("load replay script: %w", err)
	}
	backend := replay.New(script)

	finished := make(chan struct{})
	go func() {
		<-backend.Done()
		time.Sleep(replayLinger)
		log.Info("replay finished", "played", backend.Played(), "observed", backend.Observed())
		close(finished)
	}()
	return serve(cfg, backend, "replay", true, finished)
}

// serve wires the engine, installs the taps and runs the owner context on
// the calling (main) thread until a signal arrives or finished closes.
func serve(cfg *config.Config, backend hid.Backend, backendName string, trusted bool, finished <-chan struct{}) error {
	e := &engine{
		cfg:         cfg,
		backendName: backendName,
		trusted:     trusted,
		owner:       workerpool.NewOwner("main", cfg.OwnerQueueSize),
		router:      transport.NewRouter(),
		monitor:     health.NewMonitor(),
	}

	bindings.InitializeTransport(e.router)
	bindings.Configure(hid.Options{
		Backend: backend,
		Owner:   e.owner,
		Taps: hid.TapSelection{
			Keyboard: cfg.Taps.Keyboard,
			Media:    cfg.Taps.Media,
			Mouse:    cfg.Taps.Mouse,
		},
		StartEnabled: cfg.StartEnabled,
	})
	if !bindings.InitializeListeners() {
		bindings.Shutdown()
		return fmt.Errorf("failed to install input taps (backend %s)", backendName)
	}

	e.broker = sessionbroker.New(cfg.SocketPath, e.router, bindings.Control{Report: e.report})
	e.broker.SetQueueSize(cfg.ConsumerQueueSize)
	if err := e.broker.Start(); err != nil {
		bindings.Shutdown()
		return err
	}

	if cfg.Websocket.URL != "" {
		e.startForwarder()
	}

	e.registerProbes()
	healthCtx, stopHealth := context.WithCancel(context.Background())
	go e.monitor.Run(healthCtx, time.Duration(cfg.HealthIntervalSeconds)*time.Second)

	log.Info("hidlistener started",
		"version", version,
		"backend", backendName,
		"socket", cfg.SocketPath,
		"enabled", cfg.StartEnabled,
	)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
		case <-finished:
		}
		stopHealth()
		e.shutdown()
	}()

	// Returns once shutdown has drained the pool.
	e.owner.Serve(context.Background())
	log.Info("hidlistener stopped", "stats", bindings.Stats())
	return nil
}

func (e *engine) startForwarder() {
	wc := e.cfg.Websocket
	e.token = secmem.New(wc.Token)
	e.cfg.Websocket.Token = ""
	e.forwarder = websocket.New(&websocket.Config{
		ServerURL: wc.URL,
		AuthToken: e.token,
		Version:   version,
		QueueSize: wc.QueueSize,
	}, e.handleCommand)

	port := e.router.Allocate(e.forwarder)
	for _, name := range wc.Streams {
		stream := ipc.Stream(name)
		if !e.broker.SetFallback(stream, port) {
			log.Warn("forwarder could not take stream", logging.KeyStream, name)
		}
	}
	go e.forwarder.Start()
}

// shutdown releases everything in reverse order. The owner pool is drained
// last so queued keyboard events still reach their sinks.
func (e *engine) shutdown() {
	e.broker.Close()
	if e.forwarder != nil {
		e.forwarder.Stop()
		e.token.Zero()
	}
	bindings.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	e.owner.Shutdown(ctx)
}

func (e *engine) report() ipc.StatusReport {
	return ipc.StatusReport{
		Version: version,
		Backend: e.backendName,
		Trusted: e.trusted,
		Health:  e.monitor.Components(),
	}
}

func (e *engine) registerProbes() {
	e.monitor.Register("taps", func() (health.Status, string) {
		s := bindings.Stats()
		switch {
		case !s.Installed:
			return health.Unhealthy, "taps not installed"
		case !s.Enabled:
			return health.Degraded, "delivery disabled"
		default:
			return health.Healthy, ""
		}
	})
	e.monitor.Register("owner", func() (health.Status, string) {
		if n := e.owner.Rejected(); n > 0 {
			return health.Degraded, fmt.Sprintf("%d events dropped on a full queue", n)
		}
		return health.Healthy, ""
	})
	e.monitor.Register("ipc", func() (health.Status, string) {
		return health.Healthy, fmt.Sprintf("%d consumers", e.broker.SessionCount())
	})
	if e.forwarder != nil {
		e.monitor.Register("websocket", func() (health.Status, string) {
			sent, dropped := e.forwarder.Stats()
			if !e.forwarder.Connected() {
				return health.Degraded, fmt.Sprintf("disconnected (%d dropped)", dropped)
			}
			return health.Healthy, fmt.Sprintf("%d forwarded", sent)
		})
	}
}

// handleCommand serves control commands sent by the remote collector.
func (e *engine) handleCommand(cmd websocket.Command) websocket.CommandResult {
	switch cmd.Type {
	case ipc.TypeSetEnabled:
		var req ipc.SetEnabledRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return websocket.CommandResult{Status: "failed", Error: "invalid payload: " + err.Error()}
		}
		if !bindings.SetEnabled(req.Enabled) {
			return websocket.CommandResult{Status: "failed", Error: sessionbroker.ErrEngineRefused.Error()}
		}
		return websocket.CommandResult{Status: "completed", Result: ipc.EnabledState{Enabled: req.Enabled}}
	case ipc.TypeStatusRequest:
		r := bindings.Control{Report: e.report}.Status()
		r.Sessions = e.broker.Sessions()
		return websocket.CommandResult{Status: "completed", Result: r}
	default:
		return websocket.CommandResult{Status: "failed", Error: "unknown command type: " + cmd.Type}
	}
}
