// Command sessiond is the background daemon: it owns the chain store,
// the in-memory session registry, and the JSON-RPC/REST transport that
// editor and CLI clients talk to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/vinayprograms/sessiond/internal/chainstore"
	"github.com/vinayprograms/sessiond/internal/config"
	"github.com/vinayprograms/sessiond/internal/coordinator"
	"github.com/vinayprograms/sessiond/internal/index"
	"github.com/vinayprograms/sessiond/internal/keystore"
	"github.com/vinayprograms/sessiond/internal/logging"
	"github.com/vinayprograms/sessiond/internal/query"
	"github.com/vinayprograms/sessiond/internal/registry"
	"github.com/vinayprograms/sessiond/internal/transport"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Printf("sessiond version %s (commit: %s)\n", version, commit)
		return
	}

	log := logging.New().WithComponent("sessiond")

	cfg := config.New()
	if err := cfg.ApplyEnv(); err != nil {
		log.Warn("env overlay failed", map[string]interface{}{"error": err.Error()})
	}

	// Paths are resolved off the env-applied HomeDir so USEAI_HOME can
	// relocate the bootstrap/config.json files themselves.
	paths := cfg.Paths()
	if err := paths.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "error creating data directories: %v\n", err)
		os.Exit(0)
	}

	if bootstrap, err := config.LoadBootstrapFile(filepath.Join(paths.Root, "sessiond.toml")); err == nil {
		cfg = bootstrap
	} else {
		log.Warn("bootstrap config load failed; using defaults", map[string]interface{}{"error": err.Error()})
	}
	_ = config.LoadJSONFile(cfg, paths.ConfigFile)

	// Env overlay is reapplied last so it remains the highest-precedence
	// layer (bootstrap TOML -> config.json -> env) after the bootstrap
	// reload above replaced cfg wholesale.
	if err := cfg.ApplyEnv(); err != nil {
		log.Warn("env overlay failed", map[string]interface{}{"error": err.Error()})
	}

	ks := keystore.Load(paths.KeystoreFile)
	if !ks.Available() {
		log.Warn("keystore unavailable; seals will be unsigned", nil)
	}

	chains := chainstore.New(paths.ActiveDir, paths.SealedDir, ks)

	sessionsIdx, err := index.LoadSessionsIndex(paths.SessionsIndex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading sessions index: %v\n", err)
		os.Exit(0)
	}
	milestonesIdx, err := index.LoadMilestonesIndex(paths.MilestonesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading milestones index: %v\n", err)
		os.Exit(0)
	}
	connMap, err := index.LoadConnectionMap(paths.ConnMapFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading connection map: %v\n", err)
		os.Exit(0)
	}

	idleTimeout := time.Duration(cfg.IdleTimeoutMin) * time.Minute
	sweepInterval := time.Duration(cfg.OrphanSweepMin) * time.Minute
	connMapTTL := time.Duration(cfg.ConnMapTTLDays) * 24 * time.Hour

	var coord *coordinator.Coordinator
	reg := registry.New(idleTimeout, func(connID string, ctxState *registry.Context) {
		coord.OnIdleTimeout(connID, ctxState)
	})

	coord = coordinator.New(coordinator.Config{
		Chains:            chains,
		Registry:          reg,
		Sessions:          sessionsIdx,
		Milestones:        milestonesIdx,
		Conns:             connMap,
		Signer:            ks,
		Logger:            log,
		IdleTimeout:       idleTimeout,
		SweepInterval:     sweepInterval,
		ConnMapTTL:        connMapTTL,
		DisableMilestones: !cfg.Milestones.Enabled,
	})

	querySurface := query.New(sessionsIdx, milestonesIdx, chains)

	startedAt := time.Now().UTC()
	srv := transport.New(transport.Config{
		Coordinator: coord,
		Query:       querySurface,
		Logger:      log,
		MaxConns:    cfg.MaxConnections,
		NATSUrl:     cfg.Dashboard.BusURL,
		Version:     version,
		StartedAt:   startedAt,
		AppConfig:   cfg,
		ConfigPath:  paths.ConfigFile,
		SyncBaseURL: cfg.Sync.BaseURL,
	})

	addr, err := claimListenAddr(cfg, paths, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coord.RunPeriodicSweep(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, addr) }()

	<-ctx.Done()
	log.Info("received shutdown signal", nil)
	coord.Shutdown(context.Background())
	_ = os.Remove(paths.PIDFile)

	if err := <-errCh; err != nil {
		fmt.Fprintf(os.Stderr, "transport error: %v\n", err)
	}
}

// claimListenAddr implements §5's bind-contention policy: if another
// instance is listening and its /health endpoint reports the same
// version, exit cleanly (status 0); otherwise kill the old process and
// retry up to 3 times; if still failing, exit 0 rather than non-zero so a
// service manager never mistakes bind contention for a crash loop.
func claimListenAddr(cfg *config.Config, paths config.Paths, log *logging.Logger) (string, error) {
	addr := "127.0.0.1:" + strconv.Itoa(cfg.Port)

	for attempt := 0; attempt < 3; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			if err := writePID(paths.PIDFile, cfg.Port); err != nil {
				log.Warn("failed to write pid file", map[string]interface{}{"error": err.Error()})
			}
			return addr, nil
		}

		if sameVersionListening(addr) {
			log.Info("another sessiond instance of this version is already listening; exiting", map[string]interface{}{"addr": addr})
			os.Exit(0)
		}

		if existingPID, readErr := readPID(paths.PIDFile); readErr == nil && processAlive(existingPID) {
			log.Warn("killing stale sessiond instance holding the port", map[string]interface{}{"pid": existingPID})
			if proc, findErr := os.FindProcess(existingPID); findErr == nil {
				_ = proc.Signal(syscall.SIGTERM)
			}
		}

		log.Warn("port busy; retrying", map[string]interface{}{"attempt": attempt + 1})
		time.Sleep(500 * time.Millisecond)
	}

	log.Warn("could not bind listen address after retries; exiting cleanly", map[string]interface{}{"addr": addr})
	os.Exit(0)
	return "", nil
}

// sameVersionListening probes addr's /health endpoint and reports whether a
// live sessiond of this exact version answered.
func sameVersionListening(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var health struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Version == version
}

// pidFile is the on-disk shape of daemon.pid (SPEC_FULL.md §6): rewritten
// on each successful bind so a restarting instance can tell a live owner
// from a stale one.
type pidFile struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

func writePID(path string, port int) error {
	data, err := json.Marshal(pidFile{PID: os.Getpid(), Port: port, StartedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var pf pidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return 0, err
	}
	return pf.PID, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
