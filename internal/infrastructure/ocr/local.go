package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// Engine recognizes text synchronously, in process.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) ([]string, error)
}

const (
	defaultJobTimeout = 2 * time.Minute
	defaultResultTTL  = time.Minute
)

// LocalProvider runs an Engine in background jobs so in-process engines
// follow the same submit/poll contract as remote services.
type LocalProvider struct {
	engine     Engine
	jobTimeout time.Duration
	resultTTL  time.Duration

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	op Operation
}

type LocalOption func(*LocalProvider)

// WithResultTTL sets how long a finished job waits for a poll before its
// result is dropped.
func WithResultTTL(ttl time.Duration) LocalOption {
	return func(p *LocalProvider) {
		if ttl > 0 {
			p.resultTTL = ttl
		}
	}
}

func NewLocalProvider(engine Engine, jobTimeout time.Duration, opts ...LocalOption) *LocalProvider {
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	p := &LocalProvider{
		engine:     engine,
		jobTimeout: jobTimeout,
		resultTTL:  defaultResultTTL,
		jobs:       make(map[string]*localJob),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LocalProvider) Name() string { return p.engine.Name() }

// Submit starts recognition and returns immediately. The job outlives the
// submit call's context and is bounded by the job timeout instead.
func (p *LocalProvider) Submit(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := uuid.NewString()

	p.mu.Lock()
	p.jobs[handle] = &localJob{op: Operation{State: StateNotStarted}}
	p.mu.Unlock()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	go func() {
		defer cancel()
		p.setState(handle, Operation{State: StateRunning})

		lines, err := p.engine.Recognize(jobCtx, in)
		// Abandoned results hold recognized text; drop them if nobody collects.
		time.AfterFunc(p.resultTTL, func() { p.forget(handle) })
		if err != nil {
			slog.Warn("ocr_engine_failed", "engine", p.engine.Name(), "operation", handle, "error", err)
			p.setState(handle, Operation{State: StateFailed, Message: err.Error()})
			return
		}
		p.setState(handle, Operation{State: StateSucceeded, Lines: lines})
	}()
	return handle, nil
}

// Poll reports the job state. Terminal results are handed out once.
func (p *LocalProvider) Poll(ctx context.Context, handle string) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[handle]
	if !ok {
		return Operation{}, domain.WrapError(domain.ErrValidation, "ocr poll", fmt.Errorf("unknown operation %q", handle))
	}
	op := job.op
	if op.State.IsTerminal() {
		delete(p.jobs, handle)
	}
	return op, nil
}

func (p *LocalProvider) setState(handle string, op Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[handle]; ok {
		job.op = op
	}
}

func (p *LocalProvider) forget(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, handle)
}

func (p *LocalProvider) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

var _ Provider = (*LocalProvider)(nil)
