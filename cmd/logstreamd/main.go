// Command logstreamd runs the logstream aggregation daemon: it listens on
// a Unix socket, accepts newline-framed JSON entries from local daemons,
// and fans them out to the configured backends.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wayneeseguin/logstream/pkg/config"
	"github.com/wayneeseguin/logstream/pkg/server"
)

const (
	version       = "0.1.0"
	shutdownGrace = 10 * time.Second
)

func main() {
	var (
		configPath  string
		socketPath  string
		outputDir   string
		metricsPort int
		fileOnly    bool
		showVersion bool
	)

	pflag.StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	pflag.StringVarP(&socketPath, "socket", "s", "", "override the listen socket path")
	pflag.StringVarP(&outputDir, "output", "o", "", "override the log output directory")
	pflag.IntVar(&metricsPort, "metrics-port", 0, "override the metrics HTTP port (0 disables)")
	pflag.BoolVar(&fileOnly, "file-only", false, "disable all backends except the file backend")
	pflag.BoolVarP(&showVersion, "version", "V", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("logstreamd " + version)
		return
	}

	cfg := config.DefaultServerConfig()
	if configPath != "" {
		loaded, err := config.LoadServerConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logstreamd: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if socketPath != "" {
		cfg.Server.SocketPath = socketPath
	}
	if outputDir != "" {
		cfg.Storage.OutputDirectory = outputDir
	}
	if metricsPort != 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = metricsPort
	}
	if fileOnly {
		cfg.Backends.Journald.Enabled = false
		cfg.Backends.Syslog.Enabled = false
		cfg.Backends.NATS.Enabled = false
	}

	srv, err := server.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logstreamd: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "logstreamd: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(srv, cfg)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	fmt.Fprintf(os.Stderr, "logstreamd: listening on %s\n", cfg.Server.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "logstreamd: received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "logstreamd: serve: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := srv.Shutdown(shutdownGrace); err != nil {
		fmt.Fprintf(os.Stderr, "logstreamd: shutdown: %v\n", err)
		os.Exit(1)
	}
}

// serveMetrics exposes the counter snapshot as JSON on a localhost-only
// HTTP endpoint.
func serveMetrics(srv *server.Server, cfg *config.ServerConfig) {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Metrics.Path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Metrics())
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Metrics.Port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "logstreamd: metrics server: %v\n", err)
	}
}
