// Package web serves the status API and the live diagnostics stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"
)

// Resetter starts a fresh monitoring session.
type Resetter interface {
	Reset(ctx context.Context) error
}

type Options struct {
	Status *Status
	Logs   *LogBuffer
	Diag   *DiagBroadcaster
	Reset  Resetter
	Logger *slog.Logger
}

func Handler(opts Options) http.Handler {
	status := opts.Status
	if status == nil {
		status = NewStatus()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot())
	})

	mux.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if opts.Reset == nil {
			http.Error(w, "monitor unavailable", http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := opts.Reset.Reset(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}
	mux.Handle("/api/about", AboutHandler())
	if opts.Diag != nil {
		mux.Handle("/api/stream", streamHandler(opts.Diag, log))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := status.Snapshot()
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, `<!doctype html><html><head><meta charset="utf-8"><title>stairwatch</title></head><body>`)
		_, _ = fmt.Fprintf(w, "<h1>stairwatch</h1><p>Stairs: <b>%d</b></p>", snap.StairCount)
		_, _ = fmt.Fprintf(w, "<pre>source=%s\nuptime_sec=%d</pre>", html.EscapeString(snap.Source), snap.UptimeSec)
		_, _ = fmt.Fprint(w, `<p><a href="/api/status">/api/status</a> <a href="/api/logs?format=text">/api/logs</a></p></body></html>`)
	})

	return mux
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web: %w", err)
	}
}
