// Package api serves the operational status endpoints: liveness, recent batch
// outcomes and the scheduler state. Read-only; ingestion is driven by the
// scheduler and the cmd/tools one-shots, never over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"adpipeline/internal/pipeline"
	"adpipeline/internal/scheduler"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// statusTTL bounds how often the status payload is rebuilt under load.
const statusTTL = 10 * time.Second

// journalDepth is how many recent batches the status payload lists.
const journalDepth = 20

type Server struct {
	journal    *pipeline.Journal
	sched      *scheduler.Scheduler
	httpServer *http.Server
	startedAt  time.Time

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(journal *pipeline.Journal, sched *scheduler.Scheduler, port string) *Server {
	s := &Server{
		journal:   journal,
		sched:     sched,
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "commit": BuildCommit})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(statusTTL)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

// batchStatus is one journal entry flattened for the wire.
type batchStatus struct {
	BatchID  string         `json:"batch_id"`
	Window   string         `json:"window"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Sources  []sourceStatus `json:"sources"`
	Failed   int            `json:"failed"`
}

type sourceStatus struct {
	Source   string `json:"source"`
	Rows     int    `json:"rows"`
	Warnings int    `json:"warnings"`
	Error    string `json:"error,omitempty"`
	TookMS   int64  `json:"took_ms"`
}

func (s *Server) buildStatusPayload() ([]byte, error) {
	var batches []batchStatus
	if s.journal != nil {
		for _, rec := range s.journal.Last(journalDepth) {
			b := batchStatus{
				BatchID:  rec.BatchID.String(),
				Window:   rec.Window.String(),
				Started:  rec.Started,
				Finished: rec.Finished,
				Failed:   rec.Failed(),
			}
			for _, o := range rec.Outcomes {
				src := sourceStatus{
					Source:   o.Source,
					Rows:     o.Rows,
					Warnings: o.Warnings,
					TookMS:   o.Took.Milliseconds(),
				}
				if o.Err != nil {
					src.Error = o.Err.Error()
				}
				b.Sources = append(b.Sources, src)
			}
			batches = append(batches, b)
		}
	}

	status := map[string]any{
		"commit":         BuildCommit,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"batches":        batches,
	}
	if s.sched != nil {
		status["scheduler"] = s.sched.Snapshot()
	}
	return json.Marshal(status)
}
