package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"shopmetrics-backend/batch"
	"shopmetrics-backend/logging"
	"shopmetrics-backend/models"
	"shopmetrics-backend/provider"
	"shopmetrics-backend/storelock"
)

// ErrAlreadyRunning means a job with the same name is still in flight.
var ErrAlreadyRunning = errors.New("job already running")

// Job describes one orchestrated run. StoreID targets a single store;
// empty fans out over every connected store. RunID is minted when empty.
type Job struct {
	Name    string
	Kind    string
	StoreID string
	RunID   string
}

// ValidKind reports whether kind names sync work the syncer knows.
func ValidKind(kind string) bool {
	switch kind {
	case KindUserStats, KindVideoStats, KindTokenRefresh, KindAll:
		return true
	}
	return false
}

// Result summarizes a finished run.
type Result struct {
	RunID      string            `json:"run_id"`
	Status     models.SyncStatus `json:"status"`
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
}

// RunningJob describes a job currently in flight.
type RunningJob struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"job"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
}

// JobStore is the orchestrator's persistence slice for resolving targets
// and demoting revoked credentials.
type JobStore interface {
	ListEligible(ctx context.Context) ([]models.Store, error)
	GetStore(ctx context.Context, id string) (*models.Store, error)
	SetCredentialStatus(ctx context.Context, storeID string, status models.ConnectionStatus) error
}

// RunStore receives the buffered audit rows of a finished run.
type RunStore interface {
	CreateRuns(ctx context.Context, runs []models.SyncRun) error
}

// Locker guards jobs and stores against concurrent work on the same key.
type Locker interface {
	TryAcquire(key string) bool
	Release(key string)
	TryWithLock(key string, fn func() error) storelock.Outcome
}

// SyncFunc does the per-store work. The orchestrator never retries it.
type SyncFunc func(ctx context.Context, store models.Store, kind string) error

// Config wires an Orchestrator.
type Config struct {
	Stores      JobStore
	Runs        RunStore
	Locks       Locker
	Sync        SyncFunc
	Concurrency int
	Logger      *zap.Logger
	Clock       clockwork.Clock
}

// Orchestrator fans sync jobs out over stores with bounded concurrency,
// classifies every outcome and writes the audit trail. One run per job
// name at a time; one worker per store at a time.
type Orchestrator struct {
	stores      JobStore
	runs        RunStore
	locks       Locker
	sync        SyncFunc
	concurrency int
	log         *zap.Logger
	clock       clockwork.Clock

	mu     sync.Mutex
	active map[string]RunningJob
}

func NewOrchestrator(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		stores:      cfg.Stores,
		runs:        cfg.Runs,
		locks:       cfg.Locks,
		sync:        cfg.Sync,
		concurrency: concurrency,
		log:         logger.With(logging.Component("orchestrator")),
		clock:       clock,
		active:      make(map[string]RunningJob),
	}
}

// RunJob executes job synchronously under the job guard. A second run of
// the same job name while one is in flight returns ErrAlreadyRunning.
func (o *Orchestrator) RunJob(ctx context.Context, job Job) (*Result, error) {
	if !ValidKind(job.Kind) {
		return nil, fmt.Errorf("unknown sync kind %q", job.Kind)
	}
	var result *Result
	outcome := o.locks.TryWithLock(jobKey(job.Name), func() error {
		var err error
		result, err = o.run(ctx, job)
		return err
	})
	if outcome.Skipped {
		return nil, ErrAlreadyRunning
	}
	return result, outcome.Err
}

// StartJob acquires the job guard and runs the job on its own goroutine,
// returning the run id immediately. ErrAlreadyRunning means nothing was
// started. The run executes on a context detached from ctx's cancelation,
// so handing in a request context is safe: the job keeps going after the
// handler returns.
func (o *Orchestrator) StartJob(ctx context.Context, job Job) (string, error) {
	if !ValidKind(job.Kind) {
		return "", fmt.Errorf("unknown sync kind %q", job.Kind)
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	if !o.locks.TryAcquire(jobKey(job.Name)) {
		return "", ErrAlreadyRunning
	}

	// Fiber recycles request contexts the moment the handler returns;
	// the background run must not see that.
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer o.locks.Release(jobKey(job.Name))
		defer func() {
			if rec := recover(); rec != nil {
				o.log.Error("background job panicked",
					logging.JobName(job.Name), zap.Any("panic", rec))
			}
		}()
		if _, err := o.run(ctx, job); err != nil {
			o.log.Error("background job failed",
				logging.JobName(job.Name), logging.RunID(job.RunID), zap.Error(err))
		}
	}()

	return job.RunID, nil
}

// Running lists jobs currently in flight, oldest first.
func (o *Orchestrator) Running() []RunningJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := make([]RunningJob, 0, len(o.active))
	for _, j := range o.active {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs
}

// storeOutcome separates "lock was busy" from success; failures travel as
// errors. Timing is per worker.
type storeOutcome struct {
	skipped   bool
	started   time.Time
	completed time.Time
}

// run does the actual work. The caller holds the job guard.
func (o *Orchestrator) run(ctx context.Context, job Job) (*Result, error) {
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	started := o.clock.Now()

	o.trackStart(job, started)
	defer o.trackEnd(job.Name)

	log := o.log.With(logging.JobName(job.Name), logging.RunID(job.RunID), logging.Kind(job.Kind))
	log.Info("sync job started")

	stores, err := o.targets(ctx, job)
	if err != nil {
		completed := o.clock.Now()
		o.writeRuns(ctx, log, []models.SyncRun{{
			ID:          job.RunID,
			JobName:     job.Name,
			Kind:        job.Kind,
			Status:      models.SyncFailed,
			Message:     "could not resolve target stores",
			ErrorDetail: errorDetail(err, false),
			DurationMS:  completed.Sub(started).Milliseconds(),
			StartedAt:   started,
			CompletedAt: completed,
		}})
		return nil, fmt.Errorf("resolve target stores: %w", err)
	}

	if len(stores) == 0 {
		completed := o.clock.Now()
		result := &Result{RunID: job.RunID, Status: models.SyncSuccess}
		o.writeRuns(ctx, log, []models.SyncRun{{
			ID:          job.RunID,
			JobName:     job.Name,
			Kind:        job.Kind,
			Status:      models.SyncSuccess,
			Message:     "no connected stores",
			StartedAt:   started,
			CompletedAt: completed,
		}})
		log.Info("sync job finished", zap.Int("total", 0))
		return result, nil
	}

	worker := func(ctx context.Context, store models.Store) (storeOutcome, error) {
		out := storeOutcome{started: o.clock.Now()}
		lockOutcome := o.locks.TryWithLock(store.ID, func() error {
			return o.sync(ctx, store, job.Kind)
		})
		out.completed = o.clock.Now()
		out.skipped = lockOutcome.Skipped
		return out, lockOutcome.Err
	}
	summary := batch.Run(ctx, stores, worker, batch.Options{
		Concurrency: o.concurrency,
		OnProgress: func(done, total int) {
			log.Debug("sync progress", zap.Int("done", done), zap.Int("total", total))
		},
	})

	rows := make([]models.SyncRun, 0, len(summary.Results)+1)
	result := &Result{RunID: job.RunID, Total: len(summary.Results)}
	for _, r := range summary.Results {
		storeID := r.Input.ID
		row := models.SyncRun{
			JobName:     job.Name,
			Kind:        job.Kind,
			StoreID:     &storeID,
			DurationMS:  r.Value.completed.Sub(r.Value.started).Milliseconds(),
			StartedAt:   r.Value.started,
			CompletedAt: r.Value.completed,
		}
		switch {
		case r.Err != nil:
			result.Failed++
			row.Status = models.SyncFailed
			revoked := provider.IsAuthRevoked(r.Err)
			row.Message = "sync failed"
			row.ErrorDetail = errorDetail(r.Err, revoked)
			if revoked {
				o.demoteCredential(ctx, log, storeID, r.Err)
			}
			log.Warn("store sync failed", logging.StoreID(storeID), zap.Error(r.Err))
		case r.Value.skipped:
			result.Skipped++
			row.Status = models.SyncSkipped
			row.Message = "store busy, sync already in progress"
		default:
			result.Successful++
			row.Status = models.SyncSuccess
		}
		rows = append(rows, row)
	}

	completed := o.clock.Now()
	result.Status = aggregateStatus(result)
	rows = append(rows, models.SyncRun{
		ID:      job.RunID,
		JobName: job.Name,
		Kind:    job.Kind,
		Status:  result.Status,
		Message: fmt.Sprintf("%d stores: %d ok, %d failed, %d skipped",
			result.Total, result.Successful, result.Failed, result.Skipped),
		Total:       result.Total,
		Successful:  result.Successful,
		Failed:      result.Failed,
		Skipped:     result.Skipped,
		DurationMS:  completed.Sub(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: completed,
	})
	o.writeRuns(ctx, log, rows)

	log.Info("sync job finished",
		zap.String("status", string(result.Status)),
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int64("duration_ms", completed.Sub(started).Milliseconds()))
	return result, nil
}

func (o *Orchestrator) targets(ctx context.Context, job Job) ([]models.Store, error) {
	if job.StoreID != "" {
		store, err := o.stores.GetStore(ctx, job.StoreID)
		if err != nil {
			return nil, err
		}
		return []models.Store{*store}, nil
	}
	return o.stores.ListEligible(ctx)
}

// demoteCredential records an authorization loss on the credential row.
// An expired chain becomes TOKEN_EXPIRED (relink refreshes it); anything
// else revoked becomes DISCONNECTED.
func (o *Orchestrator) demoteCredential(ctx context.Context, log *zap.Logger, storeID string, cause error) {
	status := models.ConnectionDisconnected
	var apiErr *provider.APIError
	if errors.As(cause, &apiErr) && apiErr.Code == provider.CodeAccessTokenExpired {
		status = models.ConnectionTokenExpired
	}
	if err := o.stores.SetCredentialStatus(ctx, storeID, status); err != nil {
		log.Error("credential status transition failed",
			logging.StoreID(storeID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	log.Warn("credential demoted",
		logging.StoreID(storeID), zap.String("status", string(status)))
}

// writeRuns flushes the audit buffer. A failed audit write is logged but
// never fails the run itself.
func (o *Orchestrator) writeRuns(ctx context.Context, log *zap.Logger, rows []models.SyncRun) {
	if err := o.runs.CreateRuns(ctx, rows); err != nil {
		log.Error("audit write failed", zap.Int("rows", len(rows)), zap.Error(err))
	}
}

func (o *Orchestrator) trackStart(job Job, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[job.Name] = RunningJob{
		RunID:     job.RunID,
		Name:      job.Name,
		Kind:      job.Kind,
		StartedAt: at,
	}
}

func (o *Orchestrator) trackEnd(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, name)
}

func aggregateStatus(r *Result) models.SyncStatus {
	switch {
	case r.Failed == 0:
		return models.SyncSuccess
	case r.Failed == r.Total:
		return models.SyncFailed
	default:
		return models.SyncPartial
	}
}

func errorDetail(err error, revoked bool) datatypes.JSON {
	detail, marshalErr := json.Marshal(map[string]interface{}{
		"error":        err.Error(),
		"auth_revoked": revoked,
	})
	if marshalErr != nil {
		return nil
	}
	return detail
}

func jobKey(name string) string {
	return "job:" + name
}
