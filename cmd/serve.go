package cmd

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"tether/eta"
	"tether/hub"
	"tether/model"
	"tether/session"
)

var listenAddr string

// serve bridges the orchestrator session to a local UI: the UI talks
// to 127.0.0.1 and observes reconnection only as status events.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local UI bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		mgr, err := newManager(db)
		if err != nil {
			return err
		}
		engine := eta.NewEngine(loadBenchmarks(db), eta.DefaultConfig())

		ws := hub.New()
		go ws.Run()

		mgr.OnStatusChange(func(st session.Status) {
			ws.Broadcast(hub.Event{Type: "session.status", Payload: st})
		})
		mgr.OnProgress(func(evt model.ProgressEvent) {
			ws.Broadcast(hub.Event{Type: "deploy.progress", Payload: evt})
			ws.Broadcast(hub.Event{Type: "eta.update", Payload: engine.Observe(evt)})
		})
		mgr.OnMessage(func(in model.Inbound) {
			if in.Type == model.TypeProgress || in.Type == model.TypePong {
				return
			}
			// Opaque frames pass through to the UI verbatim.
			ws.Broadcast(hub.Event{Type: in.Type, Payload: json.RawMessage(in.Raw)})
		})
		mgr.OnReset(func() {
			engine.Reset()
			ws.Broadcast(hub.Event{Type: "eta.update", Payload: eta.Unknown()})
		})

		mgr.Connect()

		// Authoritative recompute once per second; a cosmetic countdown
		// at 100ms for smooth display, reset from every real estimate.
		go func() {
			authoritative := time.NewTicker(time.Second)
			cosmetic := time.NewTicker(100 * time.Millisecond)
			defer authoritative.Stop()
			defer cosmetic.Stop()
			shown := eta.Unknown()
			for {
				select {
				case <-authoritative.C:
					shown = engine.Tick(time.Now())
					ws.Broadcast(hub.Event{Type: "eta.update", Payload: shown})
				case <-cosmetic.C:
					if shown.Known && shown.Seconds > 0.1 {
						shown.Seconds -= 0.1
						ws.Broadcast(hub.Event{Type: "eta.countdown", Payload: shown})
					}
				}
			}
		}()

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)

		r.Get("/ws", ws.ServeWS)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, mgr.Status())
		})
		r.Get("/eta", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, engine.Current())
		})
		r.Get("/stages", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, engine.Stages())
		})
		r.Post("/send", func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
			queued, err := mgr.Send(payload)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, map[string]bool{"queued": queued})
		})
		r.Post("/session/new", func(w http.ResponseWriter, r *http.Request) {
			id, err := mgr.NewSession()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			mgr.Connect()
			writeJSON(w, map[string]string{"sessionId": id})
		})

		log.Printf("serve: listening on %s (orchestrator %s)", listenAddr, wsURL)
		return http.ListenAndServe(listenAddr, r)
	},
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", cfg.ListenAddr, "local bridge address")
	rootCmd.AddCommand(serveCmd)
}
