package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/engine"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for research requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := initEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newMux(eng),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownServer(srv)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

const shutdownGrace = 10 * time.Second

// shutdownServer drains in-flight requests for up to shutdownGrace. The
// signal context is already cancelled by the time shutdown starts, so the
// drain window needs its own deadline.
func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

func newMux(eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stats := eng.CacheStats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"cache": map[string]int64{
				"hits":      stats.Hits,
				"misses":    stats.Misses,
				"evictions": stats.Evictions,
			},
		})
	})

	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name       string   `json:"name"`
			Type       string   `json:"type"`
			Strategies []string `json:"strategies"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, `{"error":"name is required"}`, http.StatusBadRequest)
			return
		}
		typ := model.TargetType(req.Type)
		if typ == "" {
			typ = model.TargetTypeCompany
		}
		if typ != model.TargetTypeCompany && typ != model.TargetTypeInvestor {
			http.Error(w, `{"error":"unknown target type"}`, http.StatusBadRequest)
			return
		}

		job, err := eng.StartJobAsync(r.Context(), req.Name, typ, req.Strategies)
		if err != nil {
			zap.L().Error("start job", zap.String("name", req.Name), zap.Error(err))
			http.Error(w, `{"error":"job creation failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	})

	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := eng.GetJob(r.Context(), r.PathValue("id"))
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("GET /entities/{name}", func(w http.ResponseWriter, r *http.Request) {
		entity, err := eng.GetMergedEntity(r.Context(), r.PathValue("name"))
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, `{"error":"entity not found"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entity)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
