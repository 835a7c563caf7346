package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"github.com/roach88/tessel/internal/config"
	"github.com/roach88/tessel/internal/engine"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/transport/ws"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Schema string // schema installed at startup

	// Ready is called with the bound address once the listener is up.
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reference engine over WebSocket",
		Long: `Serve the SQLite reference engine to tessel clients.

The engine restores the last schema generation from the database. --schema
installs a schema at startup; stored data migrates to it by type and
property name.

Endpoints:
  /ws        WebSocket transport
  /metrics   Prometheus metrics
  /healthz   liveness

Example:
  tessel serve --db ./tessel.db --schema ./schema/blog.cue --listen :7420`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Schema, "schema", "s", "", "schema file or CUE package directory to install")
	config.AddServeFlags(cmd)

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	c, err := opts.Config()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd, c)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "path", c.DB)
	st, err := store.Open(c.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	eng := engine.New(st, engine.WithLogger(logger))
	defer eng.Close()
	restored, err := eng.Restore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore schema", err)
	}
	if opts.Schema != "" {
		res, errs := LoadSchema(opts.Schema)
		if len(errs) > 0 {
			return outputSchemaErrors(f, errs)
		}
		if err := eng.SetSchema(ctx, res.Schema); err != nil {
			return WrapExitError(ExitCommandError, "failed to install schema", err)
		}
	} else if !restored {
		logger.Warn("no schema installed, waiting for schema push")
	}

	set := metrics.NewSet()
	server := ws.NewServer(eng, ws.DefaultSettings(), logger, set)
	defer server.Close()

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeListen, err.Error(), nil)
	}
	httpSrv := &http.Server{
		Handler:           newServeMux(server, set),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	served := make(chan error, 1)
	go func() { served <- httpSrv.Serve(ln) }()

	addr := ln.Addr().String()
	logger.Info("server listening", "addr", addr, "db", c.DB)
	if f.JSON() {
		_ = f.Success(map[string]string{"addr": addr, "ws": fmt.Sprintf("ws://%s/ws", addr)})
	} else {
		fmt.Fprintf(f.Writer, "Serving on ws://%s/ws\n", addr)
		fmt.Fprintln(f.Writer, "Press Ctrl-C to stop.")
	}
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case <-ctx.Done():
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	logger.Info("shutting down", "connections", server.Connections())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("server stopped", "commits", eng.Commits())
	return nil
}

// newServeMux routes the WebSocket transport, metrics and liveness.
func newServeMux(server http.Handler, set *metrics.Set) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}
