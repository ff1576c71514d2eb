package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-research/lodestone/internal/agent"
	"github.com/lodestone-research/lodestone/internal/events"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/store"
)

// Config tunes one controller instance. Zero values fall back to the
// defaults below.
type Config struct {
	// WorkerPoolSize bounds per-session fan-out across sub-questions.
	WorkerPoolSize int
	// DefaultMaxSubQuestions applies when the submission leaves it unset.
	DefaultMaxSubQuestions int
	// DefaultBudgetUSD applies when the submission leaves it unset; zero
	// means no ceiling.
	DefaultBudgetUSD float64
	// QualityThreshold is the evaluator score below which the adaptive
	// policy escalates. Zero disables escalation.
	QualityThreshold float64
}

const (
	defaultWorkerPoolSize  = 3
	defaultMaxSubQuestions = 3
)

func (c Config) withDefaults() Config {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaultWorkerPoolSize
	}
	if c.DefaultMaxSubQuestions <= 0 {
		c.DefaultMaxSubQuestions = defaultMaxSubQuestions
	}
	return c
}

// ErrSessionNotFound is returned by Cancel for unknown or already-finished
// sessions that the store has no record of.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidSubmission rejects a submission before any session is created.
type ErrInvalidSubmission struct {
	Reason string
}

func (e ErrInvalidSubmission) Error() string {
	return "invalid submission: " + e.Reason
}

// Controller owns the research pipeline: it sequences the five agent
// stages, is the single writer of each session's state, tracks the budget
// ceiling, and emits progress events. Sessions run concurrently; each one
// runs on its own goroutine.
type Controller struct {
	store  store.Store
	broker *events.Broker
	router *router.Router
	agents map[string]agent.Agent
	cfg    Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

func New(st store.Store, broker *events.Broker, rt *router.Router, agents map[string]agent.Agent, cfg Config) *Controller {
	return &Controller{
		store:   st,
		broker:  broker,
		router:  rt,
		agents:  agents,
		cfg:     cfg.withDefaults(),
		cancels: map[string]context.CancelFunc{},
		now:     time.Now,
	}
}

// Start validates the submission, persists a pending session, and launches
// the pipeline in the background. It returns the session id immediately.
func (c *Controller) Start(ctx context.Context, query string, cfg store.SessionConfig) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrInvalidSubmission{Reason: "query must not be empty"}
	}
	if cfg.MaxSubQuestions < 0 {
		return "", ErrInvalidSubmission{Reason: "max_sub_questions must not be negative"}
	}
	if cfg.BudgetUSD < 0 {
		return "", ErrInvalidSubmission{Reason: "budget_usd must not be negative"}
	}
	policy, err := router.ParsePolicy(cfg.Policy)
	if err != nil {
		return "", ErrInvalidSubmission{Reason: err.Error()}
	}
	cfg.Policy = string(policy)
	if policy == router.PolicyFixed {
		// Resolve every role's override against the current table now, so a
		// submission that would fail mid-pipeline is rejected before any
		// session exists.
		for _, spec := range stageOrder {
			sel := router.Selection{Override: cfg.ModelOverrides[spec.role]}
			if _, err := c.router.SelectModel(spec.role, router.PolicyFixed, sel); err != nil {
				return "", ErrInvalidSubmission{Reason: err.Error()}
			}
		}
	}
	if cfg.MaxSubQuestions == 0 {
		cfg.MaxSubQuestions = c.cfg.DefaultMaxSubQuestions
	}
	if cfg.BudgetUSD == 0 {
		cfg.BudgetUSD = c.cfg.DefaultBudgetUSD
	}

	nowStr := c.now().UTC().Format(time.RFC3339Nano)
	session := store.Session{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    store.StatusPending,
		Config:    cfg,
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[session.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, session.ID)
			c.mu.Unlock()
			cancel()
		}()
		c.run(runCtx, session)
	}()

	return session.ID, nil
}

// GetSession returns the current snapshot of a session.
func (c *Controller) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return c.store.GetSession(ctx, sessionID)
}

// Cancel signals cancellation to a running session. Cancelling a session
// that already reached a terminal status is a no-op.
func (c *Controller) Cancel(ctx context.Context, sessionID string) error {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}

	c.mu.Lock()
	cancel, ok := c.cancels[sessionID]
	c.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	switch session.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		return nil
	}
	// Pending session with no live goroutine (store restored from a prior
	// process). Finalize it directly.
	log.Printf("pipeline: cancelling orphaned session %s in status %s", sessionID, session.Status)
	return c.finalize(ctx, session, store.StatusCancelled, "", "cancelled before the pipeline started")
}

// Wait blocks until every in-flight session goroutine has finished. Used
// on shutdown after cancelling outstanding sessions.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// CancelAll cancels every in-flight session. Used on shutdown.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
