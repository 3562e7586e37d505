package core

import (
	"log/slog"
	"net/http"
	"time"

	"stash/internal/ui"
	"stash/pkg/protocol"
)

// AdminHandler returns the http.Handler served on the admin listener:
// Prometheus metrics, a health probe and the status page. Metrics and the
// status page require the configured admin credentials, if any.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	authEngine := s.cfg.AdminAuth.Engine()

	mux.Handle("GET /metrics", RequireAuthentication(authEngine, s.metrics.Handler()))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.Handle("GET /{$}", RequireAuthentication(authEngine, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		stats, err := s.Stats(ctx)
		if err != nil {
			slog.Error("Collect stats", "err", err)
			http.Error(w, "failed to collect stats", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := ui.StatusPage(statusView(stats)).Render(ctx, w); err != nil {
			slog.Error("Render status page", "err", err)
		}
	})))

	return Recoverer(LogRequest(mux))
}

func statusView(stats Stats) ui.Status {
	view := ui.Status{
		Backend:           stats.Backend,
		Version:           protocol.FormatVersion(stats.Version),
		Uptime:            stats.Uptime.Truncate(time.Second).String(),
		ActiveConnections: stats.ActiveConnections,
	}

	if stats.Counts != nil {
		for _, kind := range protocol.Kinds {
			view.Counts = append(view.Counts, ui.KindCount{
				Kind:      kind.String(),
				Extension: kind.Ext(),
				Count:     stats.Counts[kind],
			})
		}
	}
	return view
}
