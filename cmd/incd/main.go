// Command incd is the inc server: it listens for client connections,
// owns the shared-memory MemPool, and fans out binary broadcasts.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/inc-run/inc/cmn/nlog"
	"github.com/inc-run/inc/conn"
	"github.com/inc-run/inc/hk"
	"github.com/inc-run/inc/server"
	"github.com/inc-run/inc/shm"
	"github.com/inc-run/inc/stats"
)

const shmSweepMinAge = 300 // seconds; skip segments younger than this

type daemon struct{}

func (daemon) ClientConnected(c *server.Client) {
	nlog.Infof("client connected: conn=%d", c.Connection().ID)
}

func (daemon) ClientDisconnected(c *server.Client) {
	nlog.Infof("client disconnected: conn=%d", c.Connection().ID)
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	go hk.Default.Run()
	hk.Default.WaitStarted()
	hk.Default.Reg("shm-orphan-sweep", func() time.Duration {
		if n, err := shm.SweepOrphans(shmSweepMinAge); err != nil {
			nlog.Warningf("shm sweep: %v", err)
		} else if n > 0 {
			nlog.Infof("shm sweep: removed %d orphaned segment(s)", n)
		}
		return 5 * time.Minute
	}, time.Minute)

	var auth *conn.AuthConfig
	if cfg.Auth.Secret != "" {
		auth = &conn.AuthConfig{Secret: []byte(cfg.Auth.Secret)}
	}

	srv, err := server.New(server.Config{
		URL:       cfg.Listen,
		Auth:      auth,
		Pool:      cfg.poolConfig(),
		PerClient: cfg.Pool.PerClient,
		MaxConns:  cfg.MaxConns,
	}, daemon{})
	if err != nil {
		return err
	}

	if pool := srv.Pool(); pool != nil {
		server.NewBroadcaster(srv, cfg.Broadcast.InflightPerClient)
		prometheus.MustRegister(stats.NewPoolCollector("main", pool))
	}

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			nlog.Infof("metrics listening on %s", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				nlog.Errorf("metrics server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		nlog.Infof("incd: shutting down")
		srv.Close()
	}()

	nlog.Infof("incd listening on %s", cfg.Listen)
	return srv.Serve()
}

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:   "incd",
		Short: "inc shared-memory IPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to incd.toml")
	if err := root.Execute(); err != nil {
		nlog.Errorf("incd: %v", err)
		os.Exit(1)
	}
}
