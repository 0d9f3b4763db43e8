package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/processor"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
)

// EnqueueRequest is the enqueue contract: the job input plus queue options.
// Delay is in milliseconds.
type EnqueueRequest struct {
	domain.JobInput
	Priority int           `json:"priority,omitempty"`
	Delay    int64         `json:"delay,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Repeat   *queue.Repeat `json:"repeat,omitempty"`
}

type EnqueueResponse struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

func (req *EnqueueRequest) validate() error {
	in := &req.JobInput
	if !in.Type.Valid() {
		return fmt.Errorf("unknown job type %q", in.Type)
	}
	switch in.Type {
	case domain.JobSearch:
		in.Keyword = strings.TrimSpace(in.Keyword)
		if in.Keyword == "" {
			return errors.New("search jobs require a keyword")
		}
	default:
		asin, err := processor.NormalizeASIN(in.ASIN)
		if err != nil {
			return err
		}
		in.ASIN = asin
	}
	if in.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	if req.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	if req.Repeat != nil {
		if _, _, err := queue.ParseRepeat(*req.Repeat); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := s.submit(r, req)
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "could not enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: id, Status: req.initialStatus()})
}

func (req EnqueueRequest) initialStatus() domain.Status {
	if req.Repeat != nil {
		return domain.Scheduled
	}
	return domain.Pending
}

// submit writes the pending record and then enqueues under the same id, so the
// worker finds the record when it dequeues.
func (s *Server) submit(r *http.Request, req EnqueueRequest) (string, error) {
	ctx := r.Context()
	id := uuid.NewString()
	input, err := json.Marshal(req.JobInput)
	if err != nil {
		return "", err
	}
	if err := s.store.InsertJob(ctx, &domain.Job{
		ID:          id,
		Type:        req.Type,
		Status:      req.initialStatus(),
		Input:       input,
		IsScheduled: req.Repeat != nil,
	}); err != nil {
		return "", fmt.Errorf("insert job record: %w", err)
	}

	_, err = s.q.Add(ctx, req.JobInput, queue.Options{
		JobID:    id,
		Priority: req.Priority,
		Delay:    time.Duration(req.Delay) * time.Millisecond,
		Attempts: req.Attempts,
		Repeat:   req.Repeat,
	})
	if err != nil {
		if merr := s.store.MarkFailed(ctx, id, "enqueue failed: "+err.Error(), 0, time.Now().UTC()); merr != nil {
			s.log.Warn("failed to mark job failed", zap.String("job_id", id), zap.Error(merr))
		}
		return "", fmt.Errorf("add to queue: %w", err)
	}

	fields := []zap.Field{zap.String("job_id", id), zap.String("type", string(req.Type))}
	if c, ok := ClaimsFrom(ctx); ok {
		fields = append(fields, zap.String("subject", c.Subject))
	}
	s.log.Info("job enqueued", fields...)
	return id, nil
}

// JobStatus is the flat queue view of a job with the durable record attached.
// Either side may be absent: finished queue entries expire, and records are
// written lazily. Without a queue entry the view is derived from the record.
type JobStatus struct {
	queue.JobInfo
	Record *JobRecord `json:"record,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := s.q.Get(r.Context(), id)
	if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		s.internal(w, r, err)
		return
	}
	rec, err := s.store.GetJob(r.Context(), id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.internal(w, r, err)
		return
	}

	var out JobStatus
	switch {
	case info != nil:
		out.JobInfo = *info
	case rec != nil:
		out.JobInfo = infoFromRecord(rec)
	default:
		notFound(w, r, "job "+id+" not found")
		return
	}
	if rec != nil {
		out.Record = jobRecord(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

var recordStates = map[domain.Status]queue.State{
	domain.Pending:   queue.StateWaiting,
	domain.Running:   queue.StateActive,
	domain.Completed: queue.StateCompleted,
	domain.Failed:    queue.StateFailed,
	domain.Suspended: queue.State(domain.Suspended),
	domain.Scheduled: queue.State(domain.Scheduled),
}

func infoFromRecord(rec *domain.Job) queue.JobInfo {
	info := queue.JobInfo{
		ID:          rec.ID,
		State:       recordStates[rec.Status],
		ProcessedOn: rec.StartedAt,
		FinishedOn:  rec.CompletedAt,
	}
	_ = json.Unmarshal(rec.Input, &info.Data)
	if len(rec.Output) > 0 {
		_ = json.Unmarshal(rec.Output, &info.ReturnValue)
	}
	if rec.Error != nil {
		info.FailedReason = *rec.Error
	}
	if rec.Status == domain.Completed {
		info.Progress = 100
	}
	return info
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	out := make([]*JobRecord, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobRecord(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type SuspendResponse struct {
	ID               string `json:"id"`
	Suspended        bool   `json:"suspended"`
	RemovedFromQueue bool   `json:"removedFromQueue"`
	RepeatRemoved    bool   `json:"repeatRemoved"`
}

// suspendJob suspends exactly the job with this id. A waiting job is removed
// from the queue; a recurrence registered under the id is dropped. A job the
// queue holds but that has no record yet gets a suspended record, so a worker
// that dequeues it anyway skips it.
func (s *Server) suspendJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	out := SuspendResponse{ID: id}

	suspended, err := s.store.SuspendJob(ctx, id)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	out.Suspended = suspended

	info, err := s.q.Get(ctx, id)
	if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		s.internal(w, r, err)
		return
	}
	if !suspended && info != nil && (info.State == queue.StateWaiting || info.State == queue.StateDelayed) {
		input, _ := json.Marshal(info.Data)
		err := s.store.InsertJob(ctx, &domain.Job{ID: id, Type: info.Data.Type, Status: domain.Suspended, Input: input})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			s.internal(w, r, err)
			return
		}
		out.Suspended = err == nil
	}

	if out.RemovedFromQueue, err = s.q.Remove(ctx, id); err != nil {
		s.internal(w, r, err)
		return
	}
	if out.RepeatRemoved, err = s.q.RemoveRepeat(ctx, id); err != nil {
		s.internal(w, r, err)
		return
	}

	if !out.Suspended && !out.RemovedFromQueue && !out.RepeatRemoved {
		if _, err := s.store.GetJob(ctx, id); err == nil || info != nil {
			writeProblem(w, r, http.StatusConflict, "job "+id+" has already started or finished")
			return
		}
		notFound(w, r, "job "+id+" not found")
		return
	}
	s.log.Info("job suspended", zap.String("job_id", id),
		zap.Bool("removed_from_queue", out.RemovedFromQueue),
		zap.Bool("repeat_removed", out.RepeatRemoved))
	writeJSON(w, http.StatusOK, out)
}

// ScheduleRequest registers a recurring price update for one product.
type ScheduleRequest struct {
	ASIN     string `json:"asin"`
	Pattern  string `json:"pattern"`
	Timezone string `json:"tz,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sr ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&sr); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	req := EnqueueRequest{
		JobInput: domain.JobInput{Type: domain.JobPriceUpdate, ASIN: sr.ASIN},
		Priority: sr.Priority,
		Repeat:   &queue.Repeat{Pattern: sr.Pattern, Timezone: sr.Timezone},
	}
	if err := req.validate(); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := s.submit(r, req)
	if err != nil {
		s.log.Error("schedule failed", zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "could not create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id, Status: domain.Scheduled})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.q.Stats(r.Context())
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) usageStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.usage.Stats(r.Context())
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeProblem(w, r, http.StatusInternalServerError, "internal error")
}
