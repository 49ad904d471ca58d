// controlserver is a development control service for pos-agent: it accepts
// agent connections and exposes a small REST API to inspect devices and
// run scripts on them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"pos-agent/internal/controlserver"
	"pos-agent/internal/logging"
)

func main() {
	os.Exit(_main())
}

func _main() int {
	opts := controlserver.DefaultOptions()

	fs := pflag.NewFlagSet("controlserver", pflag.ContinueOnError)
	addr := fs.String("listen", ":8080", "address to listen on")
	logLevel := fs.String("log-level", "info", "log level")
	logFormat := fs.String("log-format", "text", "log format: text or json")
	fs.DurationVar(&opts.PingInterval, "ping-interval", opts.PingInterval, "interval between server pings (0 disables)")
	fs.DurationVar(&opts.WriteTimeout, "write-timeout", opts.WriteTimeout, "write deadline per frame")
	fs.StringVar(&opts.APIToken, "api-token", os.Getenv("CONTROLSERVER_API_TOKEN"), "bearer token required on /devices routes")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	log, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	gin.SetMode(gin.ReleaseMode)

	srv := controlserver.New(opts, log.WithField("addr", *addr))
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", *addr).Info("control server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.WithError(err).Error("control server failed")
		return 1
	case <-ctx.Done():
	}

	log.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	return 0
}
