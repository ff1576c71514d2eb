package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lodestone-research/lodestone/internal/agent"
	"github.com/lodestone-research/lodestone/internal/events"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/store"
)

// Pipeline stages in execution order.
const (
	StagePlan       = "plan"
	StageSearch     = "search"
	StageEvaluate   = "evaluate"
	StageSummarize  = "summarize"
	StageSynthesize = "synthesize"
)

// stageSpec ties a stage to its agent role and its share of the progress
// bar. Percent reported after a stage completes is the cumulative weight.
type stageSpec struct {
	name   string
	role   string
	weight float64
}

var stageOrder = []stageSpec{
	{name: StagePlan, role: agent.RolePlanner, weight: 20},
	{name: StageSearch, role: agent.RoleSearcher, weight: 25},
	{name: StageEvaluate, role: agent.RoleEvaluator, weight: 25},
	{name: StageSummarize, role: agent.RoleSummarizer, weight: 15},
	{name: StageSynthesize, role: agent.RoleSynthesizer, weight: 15},
}

// run drives one session through the fixed stage order. It is the only
// writer of the session for its whole lifetime.
func (c *Controller) run(ctx context.Context, session store.Session) {
	session.Status = store.StatusRunning
	session.UpdatedAt = c.now().UTC().Format(time.RFC3339Nano)
	if err := c.persist(ctx, session); err != nil {
		c.invariantFailure(ctx, &session, StagePlan, err)
		return
	}
	c.emit(ctx, &session, "session.started", "", 0, nil)

	// summary carries the summarizer output into the synthesizer without
	// round-tripping through the persisted snapshot.
	var summary string
	var escalated bool
	percent := 0.0

	for _, spec := range stageOrder {
		if err := ctx.Err(); err != nil {
			c.cancelled(&session, spec.name)
			return
		}
		if over, spent := c.overBudget(&session); over {
			c.budgetExceeded(ctx, &session, spec.name, spent)
			return
		}

		assignment, err := c.selectModel(&session, spec.role, escalated)
		if err != nil {
			c.failed(ctx, &session, spec.name, spec.role, assignment, agent.Output{},
				&agent.Error{Kind: agent.KindInvalidInput, Role: spec.role, Err: err})
			return
		}

		started := c.now()
		c.emit(ctx, &session, "stage.started", spec.name, percent, map[string]any{
			"role":  spec.role,
			"model": assignment.Model,
		})

		var out agent.Output
		switch spec.name {
		case StageSearch, StageEvaluate:
			out, err = c.runFanOut(ctx, &session, spec, assignment)
		case StageSummarize:
			out, err = c.runAgent(ctx, &session, spec.role, agent.Input{
				Query:        session.Query,
				SubQuestions: session.SubQuestions,
				Sources:      session.Sources,
				Assignment:   assignment,
			})
		case StageSynthesize:
			out, err = c.runAgent(ctx, &session, spec.role, agent.Input{
				Query:        session.Query,
				Summary:      summary,
				OutputFormat: session.Config.OutputFormat,
				Assignment:   assignment,
			})
		default:
			out, err = c.runAgent(ctx, &session, spec.role, agent.Input{
				Query:           session.Query,
				MaxSubQuestions: session.Config.MaxSubQuestions,
				Assignment:      assignment,
			})
		}

		if err != nil {
			if ctx.Err() != nil {
				c.cancelled(&session, spec.name)
				return
			}
			c.failed(ctx, &session, spec.name, spec.role, assignment, out, err)
			return
		}

		// Fold the stage output into the session.
		switch spec.name {
		case StagePlan:
			session.SubQuestions = out.SubQuestions
		case StageSearch:
			session.Sources = out.Sources
		case StageEvaluate:
			if c.shouldEscalate(&session, out.Score) {
				escalated = true
				c.emit(ctx, &session, "model.escalated", spec.name, percent, map[string]any{
					"error_kind":    string(agent.KindQualityBelowThreshold),
					"quality_score": out.Score,
					"threshold":     c.cfg.QualityThreshold,
				})
			}
		case StageSummarize:
			summary = out.Text
		case StageSynthesize:
			session.Report = out.Text
		}

		percent += spec.weight
		c.appendStage(&session, store.StageResult{
			Stage:      spec.name,
			Role:       spec.role,
			Status:     store.StageCompleted,
			Model:      assignment.Model,
			Output:     out.Text,
			Tokens:     out.Tokens,
			CostUSD:    out.CostUSD,
			StartedAt:  started.UTC().Format(time.RFC3339Nano),
			FinishedAt: c.now().UTC().Format(time.RFC3339Nano),
		}, out)
		if err := c.persist(ctx, session); err != nil {
			if ctx.Err() != nil {
				c.cancelled(&session, "")
				return
			}
			c.invariantFailure(ctx, &session, spec.name, err)
			return
		}
		c.emit(ctx, &session, "stage.completed", spec.name, percent, map[string]any{
			"role":          spec.role,
			"model":         assignment.Model,
			"stage_cost":    out.CostUSD,
			"stage_tokens":  out.Tokens,
			"quality_score": out.Score,
		})
	}

	if err := c.finalize(ctx, &session, store.StatusCompleted, "", ""); err != nil {
		log.Printf("pipeline: session %s: finalize: %v", session.ID, err)
	}
}

// selectModel asks the router for the stage's assignment. When the adaptive
// policy has flagged low quality, the assignment is escalated one tier;
// each stage escalates at most once from its base assignment.
func (c *Controller) selectModel(session *store.Session, role string, escalated bool) (router.ModelAssignment, error) {
	policy := router.Policy(session.Config.Policy)
	sel := router.Selection{
		Override:        session.Config.ModelOverrides[role],
		BudgetRemaining: c.budgetRemaining(session),
	}
	assignment, err := c.router.SelectModel(role, policy, sel)
	if err != nil {
		return router.ModelAssignment{}, err
	}
	if escalated && policy == router.PolicyAdaptive {
		assignment = c.router.Escalate(role, assignment)
	}
	return assignment, nil
}

func (c *Controller) shouldEscalate(session *store.Session, score float64) bool {
	if router.Policy(session.Config.Policy) != router.PolicyAdaptive {
		return false
	}
	if c.cfg.QualityThreshold <= 0 {
		return false
	}
	return score < c.cfg.QualityThreshold
}

// runAgent executes one sequential stage and validates its output.
func (c *Controller) runAgent(ctx context.Context, session *store.Session, role string, in agent.Input) (agent.Output, error) {
	ag, ok := c.agents[role]
	if !ok {
		return agent.Output{}, fmt.Errorf("no agent registered for role %s", role)
	}
	in.BudgetRemaining = c.budgetRemaining(session)
	out, err := ag.Execute(ctx, in)
	if err != nil {
		return out, err
	}
	if err := ag.Validate(out); err != nil {
		return out, err
	}
	return out, nil
}

// questionResult is one sub-question's share of a fan-out stage.
type questionResult struct {
	out agent.Output
	err error
}

// runFanOut runs the search or evaluate stage across sub-questions on a
// bounded worker pool, then joins the per-question outputs into one ordered
// stage result. Partial failures degrade: the stage fails only when every
// sub-question failed.
func (c *Controller) runFanOut(ctx context.Context, session *store.Session, spec stageSpec, assignment router.ModelAssignment) (agent.Output, error) {
	ag, ok := c.agents[spec.role]
	if !ok {
		return agent.Output{}, fmt.Errorf("no agent registered for role %s", spec.role)
	}

	questions := session.SubQuestions
	results := make([]questionResult, len(questions))
	meter := &costMeter{spent: session.CostUSD, ceiling: session.Config.BudgetUSD}

	sem := make(chan struct{}, c.cfg.WorkerPoolSize)
	var wg sync.WaitGroup
	for i := range questions {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				results[i] = questionResult{err: err}
				return
			}
			if meter.exceeded() {
				results[i] = questionResult{err: &agent.Error{
					Kind: agent.KindBudgetExceeded,
					Role: spec.role,
					Err:  errors.New("budget ceiling reached before sub-question started"),
				}}
				return
			}

			in := agent.Input{
				Query:           session.Query,
				SubQuestion:     &questions[i],
				Assignment:      assignment,
				BudgetRemaining: meter.remaining(),
			}
			if spec.name == StageEvaluate {
				in.Sources = sourcesFor(session.Sources, questions[i].Text)
			}
			out, err := ag.Execute(ctx, in)
			if err == nil {
				err = ag.Validate(out)
			}
			if err == nil {
				meter.add(out.CostUSD)
			}
			results[i] = questionResult{out: out, err: err}
		}(i)
	}
	wg.Wait()

	return c.joinFanOut(session, spec, questions, results)
}

// joinFanOut folds per-question results into one stage output, in
// sub-question order.
func (c *Controller) joinFanOut(session *store.Session, spec stageSpec, questions []store.SubQuestion, results []questionResult) (agent.Output, error) {
	var joined agent.Output
	var firstErr error
	var scoreSum float64
	succeeded := 0

	for i, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			var agentErr *agent.Error
			if errors.As(r.err, &agentErr) && agentErr.Kind == agent.KindBudgetExceeded {
				// Budget failures abort the whole stage; degrading here
				// would hide the overrun.
				return joined, r.err
			}
			log.Printf("pipeline: session %s: %s for sub-question %d failed: %v", session.ID, spec.name, i, r.err)
			continue
		}
		succeeded++
		joined.Tokens += r.out.Tokens
		joined.CostUSD += r.out.CostUSD
		joined.Calls += r.out.Calls
		joined.Sources = append(joined.Sources, r.out.Sources...)
		scoreSum += r.out.Score
		if spec.name == StageEvaluate && r.out.Text != "" {
			questions[i].Answer = r.out.Text
		}
	}

	if succeeded == 0 && len(results) > 0 {
		return joined, firstErr
	}
	if succeeded > 0 {
		joined.Score = scoreSum / float64(succeeded)
	}
	if spec.name == StageEvaluate {
		joined.Text = fmt.Sprintf("evaluated %d/%d sub-questions, mean quality %.2f", succeeded, len(results), joined.Score)
	} else {
		joined.Text = fmt.Sprintf("retrieved %d sources across %d/%d sub-questions", len(joined.Sources), succeeded, len(results))
	}
	return joined, nil
}

// sourcesFor narrows the session's working set to the sources the searcher
// retrieved for one sub-question. A working set with no attribution at all
// is scored whole, so sources injected from outside the searcher still
// reach the evaluator.
func sourcesFor(all []store.SourceDocument, question string) []store.SourceDocument {
	tagged := false
	matched := make([]store.SourceDocument, 0, len(all))
	for _, src := range all {
		if src.SubQuestion != "" {
			tagged = true
		}
		if src.SubQuestion == question {
			matched = append(matched, src)
		}
	}
	if !tagged {
		return all
	}
	return matched
}

// costMeter tracks cumulative spend across concurrent workers.
type costMeter struct {
	mu      sync.Mutex
	spent   float64
	ceiling float64
}

func (m *costMeter) add(cost float64) {
	m.mu.Lock()
	m.spent += cost
	m.mu.Unlock()
}

func (m *costMeter) exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ceiling > 0 && m.spent >= m.ceiling
}

func (m *costMeter) remaining() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ceiling <= 0 {
		return 0
	}
	if m.spent >= m.ceiling {
		return 0
	}
	return m.ceiling - m.spent
}

func (c *Controller) budgetRemaining(session *store.Session) float64 {
	if session.Config.BudgetUSD <= 0 {
		return 0
	}
	remaining := session.Config.BudgetUSD - session.CostUSD
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Controller) overBudget(session *store.Session) (bool, float64) {
	if session.Config.BudgetUSD <= 0 {
		return false, session.CostUSD
	}
	return session.CostUSD >= session.Config.BudgetUSD, session.CostUSD
}

// appendStage folds a finalized stage result and its metrics into the
// session.
func (c *Controller) appendStage(session *store.Session, result store.StageResult, out agent.Output) {
	session.Stages = append(session.Stages, result)
	session.Tokens += out.Tokens
	session.CostUSD += out.CostUSD
	session.APICalls += out.Calls
	session.UpdatedAt = c.now().UTC().Format(time.RFC3339Nano)
}

// failed finalizes the session after an unrecoverable stage failure. The
// failing stage is recorded so earlier completed stages stay retrievable.
func (c *Controller) failed(ctx context.Context, session *store.Session, stage, role string, assignment router.ModelAssignment, out agent.Output, err error) {
	kind := agent.KindUpstreamUnavailable
	var agentErr *agent.Error
	if errors.As(err, &agentErr) {
		kind = agentErr.Kind
	}

	nowStr := c.now().UTC().Format(time.RFC3339Nano)
	session.Stages = append(session.Stages, store.StageResult{
		Stage:      stage,
		Role:       role,
		Status:     store.StageFailed,
		Model:      assignment.Model,
		Error:      err.Error(),
		ErrorKind:  string(kind),
		Tokens:     out.Tokens,
		CostUSD:    out.CostUSD,
		FinishedAt: nowStr,
	})
	session.Tokens += out.Tokens
	session.CostUSD += out.CostUSD
	session.APICalls += out.Calls

	if ferr := c.finalize(ctx, session, store.StatusFailed, string(kind), err.Error()); ferr != nil {
		log.Printf("pipeline: session %s: finalize failed state: %v", session.ID, ferr)
	}
}

// budgetExceeded aborts the pipeline before the named stage starts. Stages
// already completed keep their results; the abort is distinct from an
// upstream failure.
func (c *Controller) budgetExceeded(ctx context.Context, session *store.Session, stage string, spent float64) {
	msg := fmt.Sprintf("budget ceiling $%.4f reached before stage %s (spent $%.4f)", session.Config.BudgetUSD, stage, spent)
	session.Stages = append(session.Stages, store.StageResult{
		Stage:      stage,
		Role:       roleFor(stage),
		Status:     store.StageFailed,
		Error:      msg,
		ErrorKind:  string(agent.KindBudgetExceeded),
		FinishedAt: c.now().UTC().Format(time.RFC3339Nano),
	})
	if err := c.finalize(ctx, session, store.StatusFailed, string(agent.KindBudgetExceeded), msg); err != nil {
		log.Printf("pipeline: session %s: finalize budget abort: %v", session.ID, err)
	}
}

// cancelled finalizes a cancelled session. The run context is dead, so
// persistence and the terminal event use a fresh short-lived context.
func (c *Controller) cancelled(session *store.Session, stage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if stage != "" {
		session.Stages = append(session.Stages, store.StageResult{
			Stage:      stage,
			Role:       roleFor(stage),
			Status:     store.StageSkipped,
			Error:      "session cancelled",
			FinishedAt: c.now().UTC().Format(time.RFC3339Nano),
		})
	}
	if err := c.finalize(ctx, session, store.StatusCancelled, "", "session cancelled"); err != nil {
		log.Printf("pipeline: session %s: finalize cancelled state: %v", session.ID, err)
	}
}

func roleFor(stage string) string {
	for _, spec := range stageOrder {
		if spec.name == stage {
			return spec.role
		}
	}
	return ""
}

const (
	persistAttempts   = 3
	persistRetryDelay = 50 * time.Millisecond
)

// persist writes the session snapshot, retrying so that a blip in the store
// does not desynchronize the persisted state from the true one. A failure
// after retries is a state inconsistency the caller must treat as fatal.
func (c *Controller) persist(ctx context.Context, session store.Session) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = c.store.UpdateSession(ctx, session); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(persistRetryDelay)
	}
	return fmt.Errorf("persist session %s: %w", session.ID, err)
}

// invariantFailure terminates a session whose persisted snapshot can no
// longer be trusted to match its true state. Fatal: the session is marked
// failed rather than running on with a stale snapshot.
func (c *Controller) invariantFailure(ctx context.Context, session *store.Session, stage string, err error) {
	log.Printf("pipeline: session %s: state persistence failed at stage %s: %v", session.ID, stage, err)
	msg := fmt.Sprintf("session state could not be persisted: %v", err)
	if ferr := c.finalize(ctx, session, store.StatusFailed, string(agent.KindInternalInvariant), msg); ferr != nil {
		log.Printf("pipeline: session %s: finalize invariant failure: %v", session.ID, ferr)
	}
}

// finalize writes the terminal status and emits the terminal progress
// event, which also closes all subscriber streams for the session. The
// event goes out even when the terminal write itself fails, so subscriber
// streams never hang on a bad store; the write error is still returned.
func (c *Controller) finalize(ctx context.Context, session *store.Session, status, errorKind, errorMsg string) error {
	nowStr := c.now().UTC().Format(time.RFC3339Nano)
	session.Status = status
	session.ErrorKind = errorKind
	session.Error = errorMsg
	session.UpdatedAt = nowStr
	session.FinishedAt = nowStr
	persistErr := c.persist(ctx, *session)

	eventType := "session." + status
	percent := 100.0
	if status != store.StatusCompleted {
		percent = progressFor(session)
	}
	payload := map[string]any{}
	if errorKind != "" {
		payload["error_kind"] = errorKind
	}
	if errorMsg != "" {
		payload["error"] = errorMsg
	}
	if session.Report != "" {
		payload["report_chars"] = len(session.Report)
	}
	c.emit(ctx, session, eventType, "", percent, payload)
	return persistErr
}

// progressFor recomputes cumulative percent from completed stages.
func progressFor(session *store.Session) float64 {
	done := map[string]bool{}
	for _, result := range session.Stages {
		if result.Status == store.StageCompleted {
			done[result.Stage] = true
		}
	}
	percent := 0.0
	for _, spec := range stageOrder {
		if done[spec.name] {
			percent += spec.weight
		}
	}
	return percent
}

// emit persists a progress event and fans it out. The sequence comes from
// the store so replay through the events endpoint stays gap-free and
// ordered even across process restarts.
func (c *Controller) emit(ctx context.Context, session *store.Session, eventType, stage string, percent float64, payload map[string]any) {
	seq, err := c.store.NextSeq(ctx, session.ID)
	if err != nil {
		log.Printf("pipeline: session %s: next event seq: %v", session.ID, err)
		return
	}
	event := store.SessionEvent{
		SessionID: session.ID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
		Stage:     stage,
		Percent:   percent,
		CostUSD:   session.CostUSD,
		Tokens:    session.Tokens,
		Payload:   payload,
	}
	if err := c.store.AppendEvent(ctx, event); err != nil {
		log.Printf("pipeline: session %s: persist event %s: %v", session.ID, eventType, err)
	}
	c.broker.Publish(events.ProgressEvent{
		SessionID: event.SessionID,
		Seq:       event.Seq,
		Type:      event.Type,
		Ts:        event.Timestamp,
		Stage:     event.Stage,
		Percent:   event.Percent,
		CostUSD:   event.CostUSD,
		Tokens:    event.Tokens,
		Payload:   event.Payload,
	})
}
