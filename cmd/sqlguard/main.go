// Command sqlguard runs the transparent MySQL interception proxy: it
// terminates client connections, relays the handshake, classifies and
// evaluates every query against a hot-reloadable policy document, and
// streams the upstream's response back, never holding more than one
// in-flight response per session.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlguard/sqlguard/internal/adminapi"
	"github.com/sqlguard/sqlguard/internal/control"
	"github.com/sqlguard/sqlguard/internal/detect"
	"github.com/sqlguard/sqlguard/internal/health"
	"github.com/sqlguard/sqlguard/internal/metrics"
	"github.com/sqlguard/sqlguard/internal/policy"
	"github.com/sqlguard/sqlguard/internal/policyconfig"
	"github.com/sqlguard/sqlguard/internal/proxyserver"
)

func main() {
	listenAddr := flag.String("listen-addr", "0.0.0.0", "address to bind the MySQL proxy listener")
	listenPort := flag.Int("listen-port", 3306, "port to bind the MySQL proxy listener")
	upstreamAddr := flag.String("upstream-addr", "127.0.0.1", "upstream MySQL server address")
	upstreamPort := flag.Int("upstream-port", 3306, "upstream MySQL server port")
	maxConnections := flag.Int("max-connections", 500, "maximum concurrent client sessions")
	idleTimeoutSeconds := flag.Int("idle-timeout-seconds", 0, "idle session timeout in seconds (0 disables)")
	policyPath := flag.String("policy-file", "configs/policy.yaml", "path to the policy YAML document")
	controlSocketPath := flag.String("control-socket", "/var/run/sqlguard/control.sock", "path to the control Unix-domain socket")
	logPath := flag.String("log-path", "", "path to write logs to (empty writes to stderr)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	healthPort := flag.Int("health-port", 8081, "port for the /health and /metrics HTTP server")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("sqlguard starting...")

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(*logLevel))
	logger, logFile := newLogger(*logPath, levelVar)
	if logFile != nil {
		defer logFile.Close()
	}

	cfg, err := policyconfig.Load(*policyPath)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	log.Printf("Policy loaded from %s (%d access rules)", *policyPath, len(cfg.AccessControl))

	// The policy document's log level overrides the flag when set, and
	// tracks subsequent reloads through the LevelVar without touching the
	// handler.
	applyLogLevel := func(c *policy.Config) {
		if c.Global.LogLevel != "" {
			levelVar.Set(parseLevel(c.Global.LogLevel))
		}
	}
	applyLogLevel(cfg)

	engine := policy.NewEngine(cfg)
	injection := detect.NewInjectionDetector(cfg.SQLRules.BlockPatterns, logger)
	m := metrics.New()

	upstream := joinHostPort(*upstreamAddr, *upstreamPort)
	hc := health.NewChecker(upstream, 10*time.Second, 3, 2*time.Second, logger)
	hc.Start()

	proxySrv := proxyserver.NewServer(proxyserver.Config{
		UpstreamAddr:   upstream,
		MaxConnections: *maxConnections,
		IdleTimeout:    time.Duration(*idleTimeoutSeconds) * time.Second,
		Engine:         engine,
		Injection:      injection,
		Stats:          m,
		Health:         hc,
		Logger:         logger,
	})
	if err := proxySrv.Listen(joinHostPort(*listenAddr, *listenPort)); err != nil {
		log.Fatalf("Failed to start proxy listener: %v", err)
	}

	adminSrv := adminapi.NewServer(hc, m, logger)
	if err := adminSrv.Start(joinHostPort("0.0.0.0", *healthPort)); err != nil {
		log.Fatalf("Failed to start admin API: %v", err)
	}

	controlSrv := control.NewServer(*controlSocketPath, m, logger)
	if err := controlSrv.Start(); err != nil {
		log.Fatalf("Failed to start control socket: %v", err)
	}

	policyWatcher, err := policyconfig.NewWatcher(*policyPath, engine)
	if err != nil {
		log.Printf("Warning: policy hot-reload via file watch not available: %v", err)
	} else {
		policyWatcher.OnApply = applyLogLevel
	}

	log.Printf("sqlguard ready - listen:%s upstream:%s health:%d control:%s",
		joinHostPort(*listenAddr, *listenPort), upstream, *healthPort, *controlSocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Printf("Received SIGHUP, reloading policy...")
			if policyWatcher != nil {
				policyWatcher.Reload()
			} else if reloaded, err := policyconfig.Load(*policyPath); err != nil {
				log.Printf("Warning: policy reload failed, retaining current policy: %v", err)
			} else {
				engine.Reload(reloaded)
				applyLogLevel(reloaded)
				log.Printf("Policy reloaded from %s", *policyPath)
			}
			continue
		}

		log.Printf("Received signal %s, shutting down...", sig)
		break
	}

	if policyWatcher != nil {
		policyWatcher.Stop()
	}
	controlSrv.Stop()
	adminSrv.Stop()
	proxySrv.Stop()
	hc.Stop()

	log.Printf("sqlguard stopped")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(path string, level *slog.LevelVar) (*slog.Logger, *os.File) {
	out := os.Stderr
	var f *os.File
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("Warning: could not open log path %s, falling back to stderr: %v", path, err)
		} else {
			out = file
			f = file
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), f
}

func joinHostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
