package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quercusdb/quercus/pkg/query/runner"
)

func main() {
	var (
		cfg            runner.Config
		httpListenAddr string
		logLevel       string
	)
	fs := flag.NewFlagSet("quercus-worker", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	fs.StringVar(&httpListenAddr, "http.listen-addr", ":9080", "HTTP address serving /metrics.")
	fs.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	_ = fs.Parse(os.Args[1:])

	logger := newLogger(logLevel)

	r, err := runner.New(cfg, nil, logger, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create query runner", "err", err)
		os.Exit(1)
	}

	if err := services.StartAndAwaitRunning(context.Background(), r); err != nil {
		level.Error(logger).Log("msg", "failed to start query runner", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "worker started", "server", r.Local())

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(httpListenAddr, nil); err != nil {
			level.Error(logger).Log("msg", "http server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	level.Info(logger).Log("msg", "shutting down")
	if err := services.StopAndAwaitTerminated(context.Background(), r); err != nil {
		level.Error(logger).Log("msg", "failed to stop query runner", "err", err)
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
