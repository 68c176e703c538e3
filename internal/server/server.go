package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/copyleftdev/mfsolve/internal/config"
	"github.com/copyleftdev/mfsolve/internal/errors"
	"github.com/copyleftdev/mfsolve/internal/logging"
	"github.com/copyleftdev/mfsolve/internal/metrics"
	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
	"github.com/copyleftdev/mfsolve/internal/runner"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Job states
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Request body limit for run descriptions
const maxRunBytes = 1 << 20

var (
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("solve job not found")
	// ErrTooManyJobs is returned when every job slot holds an unfinished job
	ErrTooManyJobs = errors.New("too many solve jobs")
)

type executeFunc func(ctx context.Context, run config.Run, opts ...runner.Option) (*optimization.Result, error)

// Job is one solve submitted to the server. Fields are guarded by the
// server's job lock.
type Job struct {
	ID          string
	Status      string
	Run         config.Run
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Records     []optimization.RefinementRecord
	Result      *optimization.Result
	Err         string

	cancel   context.CancelFunc
	ready    chan struct{}
	admitted bool
}

func (j *Job) finished() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Server runs solve jobs behind an HTTP and JSON-RPC interface. At most
// cfg.Solve.WorkerCount solves run at once; waiting jobs start in
// submission order.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics.Collector
	execute executeFunc

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	jobsMu  sync.RWMutex
	jobs    map[string]*Job
	order   []string
	workers int
	running int
	queue   []*Job
}

// NewServer creates a new server instance with the given config, logger
// and metrics collector. collector may be nil.
func NewServer(cfg *config.Config, logger Logger, collector *metrics.Collector) *Server {
	ctx, stop := context.WithCancel(context.Background())
	workers := cfg.Solve.WorkerCount
	if workers < 1 {
		workers = 1
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		execute: runner.Execute,
		ctx:     ctx,
		stop:    stop,
		workers: workers,
		jobs:    make(map[string]*Job),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/problems", s.handleProblems)
		r.Post("/solve", s.handleSolve)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/solve/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// startSolve registers a job for run and starts it in the background
func (s *Server) startSolve(run config.Run) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		Run:         run,
		StartTime:   now,
		LastUpdated: now,
		ready:       make(chan struct{}),
	}

	var ctx context.Context
	if s.cfg.Solve.Timeout > 0 {
		ctx, job.cancel = context.WithTimeout(s.ctx, s.cfg.Solve.Timeout)
	} else {
		ctx, job.cancel = context.WithCancel(s.ctx)
	}

	s.jobsMu.Lock()
	if err := s.reserveLocked(); err != nil {
		s.jobsMu.Unlock()
		job.cancel()
		return nil, err
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.queue = append(s.queue, job)
	s.dispatchLocked()
	s.jobsMu.Unlock()

	s.wg.Add(1)
	go s.runSolve(ctx, job)

	s.logger.Info("Solve submitted", map[string]interface{}{
		"job_id":  job.ID,
		"problem": run.Problem.Name,
	})
	return job, nil
}

// reserveLocked evicts the oldest finished job when the table is full
func (s *Server) reserveLocked() error {
	limit := s.cfg.Solve.MaxJobs
	if limit <= 0 || len(s.jobs) < limit {
		return nil
	}
	for i, id := range s.order {
		if s.jobs[id].finished() {
			delete(s.jobs, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			return nil
		}
	}
	return ErrTooManyJobs
}

// dispatchLocked admits queued jobs in order while workers are free
func (s *Server) dispatchLocked() {
	for s.running < s.workers && len(s.queue) > 0 {
		job := s.queue[0]
		s.queue = s.queue[1:]
		if job.finished() {
			continue
		}
		job.admitted = true
		s.running++
		close(job.ready)
	}
}

func (s *Server) releaseLocked() {
	s.running--
	s.dispatchLocked()
}

func (s *Server) dequeueLocked(job *Job) {
	for i, j := range s.queue {
		if j == job {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// jobRecorder keeps a job's iteration history current and forwards to the
// metrics collector.
type jobRecorder struct {
	s   *Server
	job *Job
}

func (r jobRecorder) ObserveIteration(solver string, rec optimization.RefinementRecord) {
	r.s.jobsMu.Lock()
	r.job.Records = append(r.job.Records, rec)
	r.job.LastUpdated = time.Now()
	r.s.jobsMu.Unlock()
	if r.s.metrics != nil {
		r.s.metrics.ObserveIteration(solver, rec)
	}
}

func (r jobRecorder) ObserveResult(solver string, res *optimization.Result, elapsed time.Duration) {
	if r.s.metrics != nil {
		r.s.metrics.ObserveResult(solver, res, elapsed)
	}
}

// runSolve executes the optimization process in a goroutine
func (s *Server) runSolve(ctx context.Context, job *Job) {
	defer s.wg.Done()
	defer job.cancel()

	select {
	case <-job.ready:
	case <-ctx.Done():
	}

	s.jobsMu.Lock()
	if !job.admitted {
		s.dequeueLocked(job)
		s.jobsMu.Unlock()
		s.finish(job, nil, ctx.Err())
		return
	}
	defer func() {
		s.jobsMu.Lock()
		s.releaseLocked()
		s.jobsMu.Unlock()
	}()
	if job.Status == StatusCancelled {
		s.jobsMu.Unlock()
		return
	}
	job.Status = StatusRunning
	job.LastUpdated = time.Now()
	s.jobsMu.Unlock()

	jobLogger := s.logger.WithFields(map[string]interface{}{"job_id": job.ID})
	res, err := s.execute(ctx, job.Run,
		runner.WithLogger(logging.NewZapLogger(jobLogger)),
		runner.WithRecorder(jobRecorder{s: s, job: job}),
	)
	s.finish(job, res, err)
}

func (s *Server) finish(job *Job, res *optimization.Result, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now
	switch {
	case job.Status == StatusCancelled:
	case err != nil:
		job.Status = StatusFailed
		job.Err = err.Error()
		s.logger.Error("Solve failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	default:
		job.Status = StatusCompleted
		job.Result = res
		s.logger.Info("Solve finished", map[string]interface{}{
			"job_id":     job.ID,
			"status":     string(res.Status),
			"iterations": res.Iterations,
			"objective":  res.Objective,
		})
	}
}

// jobStatus renders a job for the status endpoints
func (s *Server) jobStatus(id string) (map[string]interface{}, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	progress := 1.0
	if !job.finished() {
		progress = float64(len(job.Records)) / float64(job.Run.Controller.MaxIter)
	}
	response := map[string]interface{}{
		"job_id":      job.ID,
		"status":      job.Status,
		"problem":     job.Run.Problem.Name,
		"progress":    progress,
		"iterations":  len(job.Records),
		"start_time":  job.StartTime.Format(time.RFC3339),
		"last_update": job.LastUpdated.Format(time.RFC3339),
	}
	if job.EndTime != nil {
		response["end_time"] = job.EndTime.Format(time.RFC3339)
	}
	if len(job.Records) > 0 {
		response["records"] = append([]optimization.RefinementRecord(nil), job.Records...)
	}
	if job.Result != nil {
		response["result"] = job.Result
	}
	if job.Err != "" {
		response["error"] = job.Err
	}
	return response, nil
}

func (s *Server) cancelJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.finished() {
		return errors.Wrapf(optimization.ErrConfiguration, "cannot cancel solve with status %s", job.Status)
	}

	job.cancel()
	job.Status = StatusCancelled
	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now

	s.logger.Info("Solve cancelled", map[string]interface{}{"job_id": id})
	return nil
}

// Close cancels every unfinished solve and waits for them to return
func (s *Server) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers err with the status its kind maps to
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrTooManyJobs):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		lg, _ := s.logger.(*logging.Logger)
		errors.WriteJSON(w, lg, err)
	}
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"problems": problems.Names()})
}

// handleSolve starts a solve from a YAML or JSON run description
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	run, err := config.ParseRun(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.startSolve(run)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"status": StatusPending,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.jobStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelJob(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}
