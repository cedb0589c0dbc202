package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/metrics"
)

// RunRequest starts or resumes the analysis of one repository.
type RunRequest struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Ref         string `json:"ref,omitempty"`
	AccessToken string `json:"access_token"`
	Reset       bool   `json:"reset,omitempty"`
}

// ClientFactory builds the repository client for one run.
type ClientFactory func(repo domain.GitHubContext) (RepositoryClient, error)

// RunStore records run history.
type RunStore interface {
	RecordRun(ctx context.Context, run *domain.RunRecord) error
	ListRuns(ctx context.Context, threadID string, limit int) ([]*domain.RunRecord, error)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Workflow    *Workflow
	Checkpoints Checkpointer
	Runs        RunStore
	Hub         *Hub
	NewClient   ClientFactory
	RunTimeout  time.Duration
	Logger      *slog.Logger
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs at most one workflow per thread in the background.
type Service struct {
	workflow    *Workflow
	checkpoints Checkpointer
	runs        RunStore
	hub         *Hub
	newClient   ClientFactory
	runTimeout  time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup

	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = NewMemoryCheckpointer()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		workflow:    cfg.Workflow,
		checkpoints: cfg.Checkpoints,
		runs:        cfg.Runs,
		hub:         cfg.Hub,
		newClient:   cfg.NewClient,
		runTimeout:  cfg.RunTimeout,
		logger:      cfg.Logger,
		active:      make(map[string]*activeRun),
		baseCtx:     baseCtx,
		cancelAll:   cancel,
	}
}

// Start launches a run for threadID. It resumes the saved state when the
// repository matches and req.Reset is false. It returns ErrRunInProgress
// while another run of the same thread is active.
func (s *Service) Start(ctx context.Context, threadID string, req RunRequest) (*domain.RunRecord, error) {
	repo := domain.GitHubContext{
		AccessToken: req.AccessToken,
		Owner:       req.Owner,
		Repo:        req.Repo,
		Ref:         req.Ref,
	}
	client, err := s.newClient(repo)
	if err != nil {
		return nil, fmt.Errorf("create repository client: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.active[threadID]; busy {
		return nil, ErrRunInProgress
	}

	state, err := s.initialState(ctx, threadID, repo, req.Reset)
	if err != nil {
		return nil, err
	}

	run := &domain.RunRecord{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Owner:     repo.Owner,
		Repo:      repo.Repo,
		Ref:       repo.Ref,
		Status:    domain.RunRunning,
		StartedAt: time.Now(),
	}
	s.recordRun(ctx, run)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(s.baseCtx, s.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(s.baseCtx)
	}
	active := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.active[threadID] = active
	s.wg.Add(1)
	metrics.RunStarted()

	snapshot := *run
	go s.execute(runCtx, active, state, client, run)
	return &snapshot, nil
}

func (s *Service) initialState(ctx context.Context, threadID string, repo domain.GitHubContext, reset bool) (*State, error) {
	if reset {
		return NewState(threadID, repo, time.Now()), nil
	}
	state, err := s.checkpoints.Load(ctx, threadID)
	if errors.Is(err, ErrSessionNotFound) {
		return NewState(threadID, repo, time.Now()), nil
	}
	if err != nil {
		return nil, err
	}
	prev := state.Repository
	if prev.Owner != repo.Owner || prev.Repo != repo.Repo || prev.Ref != repo.Ref {
		s.logger.Info("Repository changed, starting a fresh analysis", "thread_id", threadID, "previous", prev.FullName(), "repository", repo.FullName())
		return NewState(threadID, repo, time.Now()), nil
	}
	// The token is never persisted; take it from the request.
	state.Repository = repo
	return state, nil
}

func (s *Service) execute(ctx context.Context, active *activeRun, state *State, client RepositoryClient, run *domain.RunRecord) {
	defer s.wg.Done()
	defer func() {
		active.cancel()
		s.mu.Lock()
		delete(s.active, state.ThreadID)
		s.mu.Unlock()
		close(active.done)
	}()

	log := s.logger.With("thread_id", state.ThreadID, "run_id", run.ID, "repository", state.Repository.FullName())
	log.Info("Agent run started", "steps", len(state.Steps))

	obs := NopObserver
	if s.hub != nil {
		obs = s.hub.Observer(state.ThreadID)
	}

	iterations, err := s.workflow.Run(ctx, state, client, obs)

	finished := time.Now()
	run.Iterations = iterations
	run.FinishedAt = &finished
	switch {
	case err == nil:
		run.Status = domain.RunCompleted
	case errors.Is(err, ErrIterationLimit):
		run.Status = domain.RunLimited
		run.Error = err.Error()
	default:
		run.Status = domain.RunFailed
		run.Error = err.Error()
	}
	metrics.RunFinished(string(run.Status))

	// Record with a fresh context; ctx may already be done.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recordCancel()
	s.recordRun(recordCtx, run)

	if err != nil && run.Status == domain.RunFailed {
		log.Error("Agent run failed", "iterations", iterations, "error", err)
		return
	}
	log.Info("Agent run finished", "status", run.Status, "iterations", iterations)
}

func (s *Service) recordRun(ctx context.Context, run *domain.RunRecord) {
	if s.runs == nil {
		return
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		s.logger.Warn("Failed to record run", "run_id", run.ID, "error", err)
	}
}

// State returns the last checkpoint of threadID or ErrSessionNotFound.
func (s *Service) State(ctx context.Context, threadID string) (*State, error) {
	return s.checkpoints.Load(ctx, threadID)
}

// Runs returns the recent runs of threadID, newest first.
func (s *Service) Runs(ctx context.Context, threadID string, limit int) ([]*domain.RunRecord, error) {
	if s.runs == nil {
		return []*domain.RunRecord{}, nil
	}
	return s.runs.ListRuns(ctx, threadID, limit)
}

// Running reports whether threadID has an active run.
func (s *Service) Running(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[threadID]
	return ok
}

// Reset cancels any active run of threadID, waits for it to stop, and
// forgets its state.
func (s *Service) Reset(ctx context.Context, threadID string) error {
	s.mu.Lock()
	active, ok := s.active[threadID]
	s.mu.Unlock()
	if ok {
		active.cancel()
		select {
		case <-active.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.checkpoints.Delete(ctx, threadID); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Prune(threadID)
	}
	return nil
}

// Close cancels all active runs and waits for them to stop.
func (s *Service) Close() {
	s.cancelAll()
	s.wg.Wait()
}
