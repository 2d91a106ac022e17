package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			status := "ok"
			code := http.StatusOK
			if err := env.Store.Health(req.Context()); err != nil {
				status = "price store unreachable"
				code = http.StatusServiceUnavailable
			}
			writeJSON(w, code, map[string]string{"status": status})
		})

		r.Get("/sites/{site}/history", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			filter := ledger.HistoryFilter{
				SiteID:     chi.URLParam(req, "site"),
				CategoryID: q.Get("category"),
				Reason:     q.Get("reason"),
				Limit:      intParam(q.Get("limit"), 100),
			}
			records, err := env.Ledger.History(req.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, records)
		})

		r.Get("/sites/{site}/transactions", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			filter := ledger.TxnFilter{
				SiteID: chi.URLParam(req, "site"),
				State:  model.TxnState(q.Get("state")),
				Limit:  intParam(q.Get("limit"), 50),
			}
			if d := q.Get("date"); d != "" {
				cd, err := model.ParseCycleDate(d)
				if err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				filter.CycleDate = cd
			}
			txns, err := env.Ledger.ListTransactions(req.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, txns)
		})

		r.Post("/sites/{site}/publish", func(w http.ResponseWriter, req *http.Request) {
			siteID := chi.URLParam(req, "site")
			var body struct {
				Date   string `json:"date"`
				DryRun bool   `json:"dry_run"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
				return
			}
			cycleDate, err := resolveCycleDate(body.Date)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			sites, err := selectSites(siteID, false)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}

			// Publish runs asynchronously; the transaction record is the
			// caller's handle on the outcome.
			go func() {
				t, err := env.Runner.RunSite(ctx, cycleDate, sites[0], body.DryRun)
				if err != nil {
					zap.L().Error("api publish failed",
						zap.String("site_id", siteID),
						zap.Error(err),
					)
					return
				}
				if t != nil {
					zap.L().Info("api publish finished",
						zap.String("site_id", siteID),
						zap.String("transaction_id", t.ID),
						zap.String("state", string(t.State)),
					)
				}
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":     "accepted",
				"site_id":    siteID,
				"cycle_date": string(cycleDate),
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
