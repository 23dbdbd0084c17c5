package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/absconda/absconda/pkg/lease"
	"github.com/absconda/absconda/pkg/registry"
	"github.com/absconda/absconda/pkg/remote"
)

// Server exposes a read-only HTTP view of the builder fleet: configured
// builders, their lease state, and the logs of builds running in this
// process. It never mutates builder state.
type Server struct {
	reg   *registry.Registry
	store lease.Store

	mu   sync.Mutex
	jobs map[string]*remote.BuildJob
}

func NewServer(reg *registry.Registry, store lease.Store) *Server {
	return &Server{reg: reg, store: store, jobs: make(map[string]*remote.BuildJob)}
}

// RegisterJob makes an in-process build visible to the jobs endpoints.
func (s *Server) RegisterJob(job *remote.BuildJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/builders", s.handleListBuilders)
		r.Get("/builders/{name}", s.handleGetBuilder)
		r.Get("/jobs", s.handleListJobs)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/logs", s.handleStreamLogs)
		})
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type builderView struct {
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Target   string      `json:"target"`
	State    lease.State `json:"state"`
}

func (s *Server) builderView(ctx context.Context, name string) (builderView, error) {
	def, ok := s.reg.Get(name)
	if !ok {
		return builderView{}, fmt.Errorf("unknown builder %q", name)
	}
	view := builderView{Name: def.Name, Provider: string(def.Provider), Target: def.SSHTarget()}
	state, err := s.store.Get(ctx, name)
	if err != nil {
		return view, err
	}
	view.State = state
	return view, nil
}

func (s *Server) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	views := make([]builderView, 0, len(s.reg.Names()))
	for _, name := range s.reg.Names() {
		view, err := s.builderView(r.Context(), name)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, view)
	}
	respondJSON(w, map[string]any{"builders": views}, http.StatusOK)
}

func (s *Server) handleGetBuilder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.reg.Get(name); !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown builder %q", name))
		return
	}
	view, err := s.builderView(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"builder": view}, http.StatusOK)
}

type jobView struct {
	ID        string           `json:"id"`
	Builder   string           `json:"builder"`
	Status    remote.JobStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	views := make([]jobView, 0, len(s.jobs))
	for _, job := range s.jobs {
		views = append(views, jobView{ID: job.ID, Builder: job.Builder, Status: job.Status, StartedAt: job.StartedAt})
	}
	s.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt.Before(views[j].StartedAt) })
	respondJSON(w, map[string]any{"jobs": views}, http.StatusOK)
}

func (s *Server) job(id string) (*remote.BuildJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(chi.URLParam(r, "jobID"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")
		return
	}
	respondJSON(w, map[string]any{
		"job":  jobView{ID: job.ID, Builder: job.Builder, Status: job.Status, StartedAt: job.StartedAt},
		"logs": job.Logs.Lines(),
	}, http.StatusOK)
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(chi.URLParam(r, "jobID"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := job.Logs.Subscribe()
	done := r.Context().Done()

	for {
		select {
		case <-done:
			return
		case line, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
