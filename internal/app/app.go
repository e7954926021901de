// Package app wires the dedicated game server: configuration, loggers, the
// universe with the demo world, the server endpoint, the frame loop, and
// the diagnostics feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	engine "emberfall/engine"
	"emberfall/engine/game"
	"emberfall/engine/internal/config"
	"emberfall/engine/internal/diag"
	"emberfall/engine/internal/telemetry"
	"emberfall/engine/logging"
	"emberfall/engine/logging/sinks"
	"emberfall/engine/mp"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// serverID seeds the advertised listing; a dedicated server keeps one
// identity for its whole life.
const serverID protocol.ServerID = 1

// NewLogger builds the application logger from the LOG_LEVEL and
// LOG_FORMAT environment variables.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Run serves one dedicated session until ctx is cancelled, then saves the
// universe if a save directory is configured.
func Run(ctx context.Context, cfg config.Server) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	appLog := NewLogger()
	metrics := telemetry.NewCounters()

	router, err := newRouter(cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			appLog.Printf("app: close logging router: %v", cerr)
		}
	}()

	uni := universe.New()
	uni.SetSpeed(cfg.UPS)
	if err := loadOrCreateWorld(uni, cfg, appLog); err != nil {
		return err
	}

	bind, err := cfg.BindAddr()
	if err != nil {
		return err
	}
	host, err := cfg.HostAddr()
	if err != nil {
		return err
	}

	network := engine.NewNetwork(engine.NetworkConfig{
		Bind:        bind,
		Host:        host,
		Universe:    uni,
		Codec:       game.Codec{},
		DecodeWorld: game.DecodeWorld,
		Logger:      appLog,
		Metrics:     metrics,
		Publisher:   router,
	})
	if err := network.StartServer(protocol.ServerInfo{
		ID:          serverID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Global:      cfg.Global,
		HasPassword: cfg.HasPassword,
		MaxPlayers:  cfg.MaxPlayers,
	}, nil); err != nil {
		return fmt.Errorf("app: start server endpoint: %w", err)
	}
	defer network.StopEndpoint()

	status := newStatusStore(uni, network, metrics)
	eng := engine.New(engine.Config{
		Universe: uni,
		Network:  network,
		Hooks: engine.Hooks{
			AfterStep: status.maybeRefresh,
		},
		Logger:    appLog,
		Metrics:   metrics,
		Publisher: router,
	})

	go pumpEvents(ctx, network.Events(), appLog)

	if cfg.DiagAddr != "" {
		startDiag(ctx, cfg.DiagAddr, status, appLog, metrics)
	}

	appLog.Printf("app: serving %q on %v", cfg.Name, bind)
	uni.Unpause()
	eng.Run(ctx)

	if cfg.SaveDir != "" {
		if err := universe.Save(uni, game.Version, cfg.SaveDir); err != nil {
			return fmt.Errorf("app: save on shutdown: %w", err)
		}
		appLog.Printf("app: universe saved to %s", cfg.SaveDir)
	}
	return nil
}

// loadOrCreateWorld restores the configured save when one exists, and
// otherwise starts a fresh mist world.
func loadOrCreateWorld(uni *universe.Universe, cfg config.Server, appLog *logrus.Logger) error {
	if cfg.SaveDir != "" {
		save, err := universe.LoadSave(cfg.SaveDir, game.Version)
		switch {
		case err == nil:
			worlds := make([]universe.World, 0, len(save.Worlds))
			for name, blob := range save.Worlds {
				w, derr := game.DecodeWorld(blob)
				if derr != nil {
					return fmt.Errorf("app: decode saved world %q: %w", name, derr)
				}
				worlds = append(worlds, w)
			}
			roster, derr := save.DecodeRoster()
			if derr != nil {
				return fmt.Errorf("app: decode saved roster: %w", derr)
			}
			frame := save.Frame
			uni.LoadUniverse(roster, worlds, &frame)
			appLog.Printf("app: restored save from %s at frame %d", cfg.SaveDir, save.Frame)
			return nil
		case errors.Is(err, os.ErrNotExist):
			// no save yet; fall through to a fresh world
		default:
			return err
		}
	}
	uni.LoadWorld(game.NewMist(0, cfg.World.Name, cfg.World.Width, cfg.World.Height))
	return nil
}

// newRouter assembles the structured event router from the log config.
func newRouter(cfg config.LogConfig) (*logging.Router, error) {
	rcfg := logging.DefaultConfig()
	rcfg.EnabledSinks = cfg.Sinks
	rcfg.MinimumSeverity = parseSeverity(cfg.MinSeverity)

	var named []logging.NamedSink
	for _, name := range cfg.Sinks {
		switch name {
		case "console":
			named = append(named, logging.NamedSink{
				Name: name,
				Sink: sinks.NewConsoleSink(os.Stdout, rcfg.Console),
			})
		case "json":
			path := cfg.JSONPath
			if path == "" {
				path = "emberfall-events.ndjson"
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("app: open json log %s: %w", path, err)
			}
			named = append(named, logging.NamedSink{
				Name: name,
				Sink: sinks.NewJSON(f, rcfg.JSON.FlushInterval),
			})
		default:
			return nil, fmt.Errorf("app: unknown log sink %q", name)
		}
	}
	return logging.NewRouter(nil, rcfg, named)
}

func parseSeverity(s string) logging.Severity {
	switch strings.ToLower(s) {
	case "debug":
		return logging.SeverityDebug
	case "warn":
		return logging.SeverityWarn
	case "error":
		return logging.SeverityError
	default:
		return logging.SeverityInfo
	}
}

// pumpEvents narrates session events into the application log so operators
// can follow joins and drops without the structured feed.
func pumpEvents(ctx context.Context, events <-chan mp.Event, appLog *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch v := ev.(type) {
			case mp.EventPlayerJoinStart:
				appLog.Printf("session: player %d (%s) joining", v.Player.ID, v.Player.Name)
			case mp.EventPlayerJoinSuccess:
				appLog.Printf("session: player %d (%s) joined", v.Player.ID, v.Player.Name)
			case mp.EventPlayerJoinFailure:
				appLog.Printf("session: player %d (%s) failed to join", v.Player.ID, v.Player.Name)
			case mp.EventPlayerLeft:
				appLog.Printf("session: player %d (%s) left", v.Player.ID, v.Player.Name)
			case mp.EventSessionLost:
				appLog.Printf("session: lost: %s", v.Reason)
			default:
				appLog.Debugf("session: event %T", ev)
			}
		}
	}
}

// statusStore is the bridge between the simulation goroutine and the diag
// HTTP goroutines: the loop refreshes a snapshot about once per second, the
// feed reads it under the lock.
type statusStore struct {
	uni     *universe.Universe
	network *engine.Network
	metrics *telemetry.Counters

	mu       sync.Mutex
	current  diag.Status
	lastPush universe.FrameID
}

func newStatusStore(uni *universe.Universe, network *engine.Network, metrics *telemetry.Counters) *statusStore {
	return &statusStore{uni: uni, network: network, metrics: metrics}
}

// maybeRefresh runs on the simulation goroutine as the AfterStep hook.
func (s *statusStore) maybeRefresh(frame universe.FrameID, _ bool) {
	interval := universe.FrameID(s.uni.Speed())
	if interval == 0 {
		interval = universe.FrameID(universe.DefaultUPS)
	}
	if frame != 0 && frame-s.lastPush < interval {
		return
	}
	s.lastPush = frame

	status := diag.Status{
		Frame:    uint64(frame),
		UPS:      s.uni.Speed(),
		Paused:   s.uni.IsPaused(),
		Counters: s.metrics.Snapshot(),
	}
	if srv := s.network.Server(); srv != nil {
		status.BufferDepth = srv.BufferDepth()
		for _, peer := range srv.Peers() {
			status.Players = append(status.Players, diag.PlayerStatus{
				ID:            uint64(peer.Info.ID),
				Name:          peer.Info.Name,
				LatencyMillis: peer.Latency.Milliseconds(),
				Joining:       peer.Joining,
			})
		}
	}

	s.mu.Lock()
	s.current = status
	s.mu.Unlock()
}

// Status implements diag.Source.
func (s *statusStore) Status() diag.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// startDiag serves the diagnostics feed until ctx is cancelled.
func startDiag(ctx context.Context, addr string, status *statusStore, appLog *logrus.Logger, metrics *telemetry.Counters) {
	server := diag.NewServer(status.Status, appLog, metrics)
	httpSrv := &http.Server{Addr: addr, Handler: server.Handler()}
	go func() {
		appLog.Printf("app: diagnostics on http://%s/statusz", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Printf("app: diagnostics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()
}
