package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/servicing-import/internal/ingest"
	"github.com/sells-group/servicing-import/internal/match"
	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/store"
	"github.com/sells-group/servicing-import/internal/template"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chunked import API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		limiter := rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				FileName   string `json:"file_name"`
				TemplateID string `json:"template_id"`
				CreatedBy  string `json:"created_by"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.FileName == "" {
				writeError(w, http.StatusBadRequest, "file_name is required")
				return
			}

			job := &model.ImportJob{
				ID:         uuid.NewString(),
				FileName:   body.FileName,
				TemplateID: body.TemplateID,
				CreatedBy:  body.CreatedBy,
				Status:     model.JobPending,
			}
			if err := e.Store.CreateJob(req.Context(), job); err != nil {
				zap.L().Error("create job failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "create job failed")
				return
			}
			writeJSON(w, http.StatusCreated, job)
		})

		r.Post("/jobs/{jobID}/sheets/{sheet}/chunks", func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			var body ingest.SubmitRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			body.JobID = chi.URLParam(req, "jobID")
			body.SheetName = chi.URLParam(req, "sheet")

			res, err := e.Engine.Submit(req.Context(), body)
			switch {
			case err == nil:
				writeJSON(w, http.StatusOK, res)
			case eris.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "job not found")
			case eris.Is(err, ingest.ErrChunkIndex),
				eris.Is(err, ingest.ErrStaleChunk),
				eris.Is(err, ingest.ErrJobClosed):
				writeError(w, http.StatusConflict, err.Error())
			default:
				zap.L().Error("chunk submit failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "chunk submit failed")
			}
		})

		r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
			filter := store.JobFilter{Limit: 100}
			if s := req.URL.Query().Get("status"); s != "" {
				filter.Status = model.JobStatus(s)
			}
			jobs, err := e.Store.ListJobs(req.Context(), filter)
			if err != nil {
				zap.L().Error("list jobs failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list jobs failed")
				return
			}
			writeJSON(w, http.StatusOK, jobs)
		})

		r.Get("/jobs/{jobID}", func(w http.ResponseWriter, req *http.Request) {
			jobID := chi.URLParam(req, "jobID")
			job, err := e.Store.GetJob(req.Context(), jobID)
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			if err != nil {
				zap.L().Error("get job failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "get job failed")
				return
			}
			sheets, err := e.Store.ListSheets(req.Context(), jobID)
			if err != nil {
				zap.L().Error("list sheets failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list sheets failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"job":    job,
				"sheets": sheets,
			})
		})

		r.Post("/jobs/{jobID}/cancel", func(w http.ResponseWriter, req *http.Request) {
			jobID := chi.URLParam(req, "jobID")
			if err := e.Store.CancelJob(req.Context(), jobID); err != nil {
				if eris.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "job not found")
					return
				}
				zap.L().Error("cancel job failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "cancel failed")
				return
			}
			job, err := e.Store.GetJob(req.Context(), jobID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "cancel failed")
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		r.Post("/match", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Headers   []string `json:"headers"`
				Fields    []string `json:"fields"`
				Threshold int      `json:"threshold"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			threshold := body.Threshold
			if threshold == 0 {
				threshold = cfg.Match.Threshold
			}
			res := match.Match(body.Headers, body.Fields)
			writeJSON(w, http.StatusOK, map[string]any{
				"matrix":      res.Matrix,
				"suggestions": res.Suggestions(threshold),
			})
		})

		r.Get("/templates", func(w http.ResponseWriter, req *http.Request) {
			templates, err := e.Store.ListTemplates(req.Context())
			if err != nil {
				zap.L().Error("list templates failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list templates failed")
				return
			}
			writeJSON(w, http.StatusOK, templates)
		})

		r.Post("/templates", func(w http.ResponseWriter, req *http.Request) {
			var t model.MappingTemplate
			if err := json.NewDecoder(req.Body).Decode(&t); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := template.Validate(&t); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := e.Store.CreateTemplate(req.Context(), &t); err != nil {
				zap.L().Error("create template failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "create template failed")
				return
			}
			writeJSON(w, http.StatusCreated, t)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown: the signal context is already cancelled by
		// the time we get here, so draining needs its own deadline.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
