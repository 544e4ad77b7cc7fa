// Package pipeline runs the fixed decision pipeline: ten ordered stages
// from input normalization through the safety gate to the sealed trust
// log record. Stage order never changes; callers influence execution only
// through pre-filled outputs and the per-stage budgets. Every run seals a
// record, including denials, holds, and partial runs cut short by the
// request deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/memory"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/service/critique"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/service/values"
	"github.com/ashita-ai/veritas/internal/telemetry"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

// Sentinel errors the HTTP layer maps onto status codes. Both are returned
// wrapped; ErrTrustLogUnavailable accompanies a response that still carries
// the full decision state.
var (
	ErrInvalidInput        = errors.New("pipeline: invalid input")
	ErrTrustLogUnavailable = errors.New("pipeline: trust log unavailable")
)

// Hold reasons set by the orchestrator when no gate verdict was reached.
const (
	ReasonTimeout             = "timeout"
	ReasonFujiUnavailable     = "fuji_unavailable"
	ReasonTrustLogUnavailable = "trust_log_unavailable"
)

const (
	// maxProposedOptions caps LLM-proposed options when the caller
	// supplied none.
	maxProposedOptions = 3
	// observeTimeout bounds the post-decision episodic write.
	observeTimeout = 2 * time.Second
)

// Services are the pipeline's collaborators. Memory and Proposer are
// optional; a nil Memory disables decision observation and a nil Proposer
// leaves option collection to the caller.
type Services struct {
	Evidence *evidence.Gatherer
	Values   *values.Evaluator
	Gate     *fuji.Gate
	Log      *trustlog.Log
	Memory   *memory.Memory
	Proposer *llm.Proposer
	Clock    func() time.Time
}

// Config holds the per-stage budgets and the seal grace window. Zero
// values take defaults; the overall request deadline is enforced upstream
// by the HTTP server.
type Config struct {
	SealGrace      time.Duration
	EvidenceBudget time.Duration
	DebateBudget   time.Duration
	PlannerBudget  time.Duration
	FujiBudget     time.Duration
}

func (c *Config) applyDefaults() {
	if c.SealGrace <= 0 {
		c.SealGrace = 2 * time.Second
	}
	if c.EvidenceBudget <= 0 {
		c.EvidenceBudget = 5 * time.Second
	}
	if c.DebateBudget <= 0 {
		c.DebateBudget = 15 * time.Second
	}
	if c.PlannerBudget <= 0 {
		c.PlannerBudget = 5 * time.Second
	}
	if c.FujiBudget <= 0 {
		c.FujiBudget = 3 * time.Second
	}
}

// stage binds a pipeline step to its runner. Critical stages abort the
// run on failure; best-effort stages record a critique and continue.
type stage struct {
	name     model.StageName
	critical bool
	budget   time.Duration
	run      func(context.Context, *State) Outcome
}

// Orchestrator executes decide calls against a fixed stage list.
type Orchestrator struct {
	svc    Services
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	stageDuration metric.Float64Histogram
	decisions     metric.Int64Counter
}

// New builds an orchestrator. Evidence, Values, Gate, and Log must be
// non-nil.
func New(svc Services, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	now := svc.Clock
	if now == nil {
		now = time.Now
	}
	cfg.applyDefaults()

	meter := telemetry.Meter("veritas/pipeline")
	stageDuration, _ := meter.Float64Histogram("veritas.pipeline.stage.duration",
		metric.WithDescription("Per-stage execution time"),
		metric.WithUnit("ms"))
	decisions, _ := meter.Int64Counter("veritas.pipeline.decisions",
		metric.WithDescription("Completed decide calls by status"))

	return &Orchestrator{
		svc:           svc,
		cfg:           cfg,
		logger:        logger,
		now:           now,
		stageDuration: stageDuration,
		decisions:     decisions,
	}
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{model.StageNormalizeInput, true, 0, o.normalizeInput},
		{model.StageCollectOptions, false, 0, o.collectOptions},
		{model.StageGatherEvidence, false, o.cfg.EvidenceBudget, o.gatherEvidence},
		{model.StageRunCritique, false, 0, o.runCritique},
		{model.StageRunDebate, false, o.cfg.DebateBudget, o.runDebate},
		{model.StageRunPlanner, false, o.cfg.PlannerBudget, o.runPlanner},
		{model.StageEvaluateValues, false, 0, o.evaluateValues},
		{model.StageFujiGate, true, o.cfg.FujiBudget, o.fujiGate},
	}
}

// Decide runs the full pipeline for one request. The returned response is
// complete even on hold and deny; an error is returned only for invalid
// input and for seal failures, the latter alongside the response.
func (o *Orchestrator) Decide(ctx context.Context, req model.DecideRequest) (model.DecisionResponse, error) {
	start := o.now()
	st := &State{
		Request:   req,
		RequestID: requestIDFrom(req.Context),
		UserID:    req.UserID(),
		prefilled: map[model.StageName]bool{},
	}

	metrics := make([]model.StageMetric, 0, len(model.StageOrder))
	holdReason := ""
	terminal := model.StageNormalizeInput

	for _, sg := range o.stages() {
		if ctx.Err() != nil {
			holdReason = ReasonTimeout
			o.logger.Warn("pipeline: request deadline expired, sealing partial state",
				"request_id", st.RequestID, "next_stage", sg.name)
			break
		}
		terminal = sg.name
		m, out := o.runStage(ctx, sg, st)
		metrics = append(metrics, m)
		if out.Err == nil || !sg.critical {
			continue
		}
		if sg.name == model.StageNormalizeInput {
			return model.DecisionResponse{}, fmt.Errorf("%w: %v", ErrInvalidInput, out.Err)
		}
		holdReason = ReasonFujiUnavailable
		break
	}
	metrics = fillUnreached(metrics)

	status := model.DecisionHold
	reason := holdReason
	if holdReason == "" && st.Fuji != nil {
		status = st.Fuji.DecisionStatus
		reason = st.Fuji.RejectionReason
	}

	// Sealing must survive a spent request deadline; the record gets its
	// own grace window in that case.
	sealCtx := ctx
	cancelSeal := func() {}
	if ctx.Err() != nil {
		sealCtx, cancelSeal = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SealGrace)
	}
	sealStart := o.now()
	rec, sealErr := o.seal(sealCtx, st, terminal, metrics, status, reason)
	cancelSeal()

	sealMetric := model.StageMetric{
		Stage:     model.StageSealTrustLog,
		LatencyMS: o.now().Sub(sealStart).Milliseconds(),
		OK:        sealErr == nil,
	}
	if sealErr != nil {
		sealMetric.Reason = sealErr.Error()
		status = model.DecisionHold
		reason = ReasonTrustLogUnavailable
		o.logger.Error("pipeline: trust log seal failed",
			"request_id", st.RequestID, "error", sealErr)
	} else {
		st.TrustLog = rec.Ref()
	}
	metrics = append(metrics, sealMetric)
	o.recordStage(ctx, sealMetric)

	if status == model.DecisionAllow && o.svc.Memory != nil && st.chosen() != nil {
		o.observeDecision(ctx, st)
	}

	finalizeMetric := model.StageMetric{Stage: model.StageFinalizeResponse, OK: true}
	metrics = append(metrics, finalizeMetric)
	o.recordStage(ctx, finalizeMetric)

	resp := model.DecisionResponse{
		RequestID:       st.RequestID,
		DecisionStatus:  status,
		RejectionReason: reason,
		Chosen:          st.chosen(),
		Alternatives:    alternativesOf(st),
		Evidence:        st.Evidence,
		Critique:        st.Critiques,
		Debate:          st.Debate,
		Plan:            st.Plan,
		Values:          st.Values,
		Fuji:            st.Fuji,
		TrustLog:        st.TrustLog,
		Warnings:        st.Warnings,
		Metrics: model.Metrics{
			Stages:         metrics,
			TotalLatencyMS: o.now().Sub(start).Milliseconds(),
		},
	}

	o.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	o.logger.Info("pipeline: decision completed",
		"request_id", st.RequestID,
		"status", status,
		"reason", reason,
		"total_ms", resp.Metrics.TotalLatencyMS)

	if sealErr != nil {
		return resp, fmt.Errorf("%w: %v", ErrTrustLogUnavailable, sealErr)
	}
	return resp, nil
}

// runStage executes one stage with its budget, panic recovery, and the
// pre-fill skip. The returned metric is final; the outcome tells the loop
// whether to abort.
func (o *Orchestrator) runStage(ctx context.Context, sg stage, st *State) (model.StageMetric, Outcome) {
	if st.prefilled[sg.name] {
		m := model.StageMetric{Stage: sg.name, OK: true, Skipped: true, Reason: "pre_filled"}
		o.recordStage(ctx, m)
		return m, Skip("pre_filled")
	}

	stageCtx := ctx
	cancel := func() {}
	if sg.budget > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, sg.budget)
	}
	begin := o.now()
	out := runProtected(stageCtx, sg, st)
	// A spent stage budget fails the stage even when the body returned
	// cleanly: sources and services that degrade context errors into
	// warnings must not mask the overrun. A spent request deadline is not
	// a stage failure; the decide loop turns that into a timeout hold.
	if out.Err == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out = Fail(fmt.Errorf("stage budget of %s exceeded", sg.budget))
	}
	cancel()

	m := model.StageMetric{
		Stage:     sg.name,
		LatencyMS: o.now().Sub(begin).Milliseconds(),
		OK:        out.Err == nil,
		Skipped:   out.Skipped,
		Reason:    out.Reason,
	}
	if out.Err != nil {
		m.Reason = out.Err.Error()
		if sg.critical {
			o.logger.Error("pipeline: critical stage failed",
				"request_id", st.RequestID, "stage", sg.name, "error", out.Err)
		} else {
			st.Critiques = append(st.Critiques, critique.StageFailure(sg.name, out.Err))
			o.logger.Warn("pipeline: stage failed, continuing",
				"request_id", st.RequestID, "stage", sg.name, "error", out.Err)
		}
	}
	o.recordStage(ctx, m)
	return m, out
}

func runProtected(ctx context.Context, sg stage, st *State) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Fail(fmt.Errorf("stage %s panicked: %v", sg.name, r))
		}
	}()
	return sg.run(ctx, st)
}

func (o *Orchestrator) recordStage(ctx context.Context, m model.StageMetric) {
	o.stageDuration.Record(ctx, float64(m.LatencyMS),
		metric.WithAttributes(attribute.String("stage", string(m.Stage))))
}

// seal appends the decision record. Canonicalization failures degrade to a
// substitute record so the chain never skips a decision; any other append
// failure surfaces to the caller.
func (o *Orchestrator) seal(ctx context.Context, st *State, terminal model.StageName, metrics []model.StageMetric, status model.DecisionStatus, reason string) (model.TrustLogRecord, error) {
	sealedStage := terminal
	if st.gateRan {
		sealedStage = model.StageFujiGate
	}
	entry := trustlog.Entry{
		RequestID: st.RequestID,
		Stage:     sealedStage,
		Payload:   sealPayload(st, metrics, status, reason),
	}
	rec, err := o.svc.Log.Append(ctx, entry)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, trustlog.ErrCanonicalize) {
		o.logger.Warn("pipeline: canonical seal failed, appending degraded record",
			"request_id", st.RequestID, "error", err)
		return o.svc.Log.AppendDegraded(ctx, entry, err.Error())
	}
	return model.TrustLogRecord{}, err
}

// sealPayload summarizes the run for the audit record. It mirrors the
// response's decision state plus the metrics accumulated up to the seal.
func sealPayload(st *State, metrics []model.StageMetric, status model.DecisionStatus, reason string) map[string]any {
	stages := make([]any, 0, len(metrics))
	for _, m := range metrics {
		entry := map[string]any{
			"stage":      string(m.Stage),
			"latency_ms": m.LatencyMS,
			"ok":         m.OK,
		}
		if m.Skipped {
			entry["skipped"] = true
		}
		if m.Reason != "" {
			entry["reason"] = m.Reason
		}
		stages = append(stages, entry)
	}

	payload := map[string]any{
		"query":           st.Request.Query,
		"decision_status": string(status),
		"evidence_count":  len(st.Evidence),
		"critique_count":  len(st.Critiques),
		"stage_metrics":   stages,
	}
	if reason != "" {
		payload["rejection_reason"] = reason
	}
	if c := st.chosen(); c != nil {
		chosen := map[string]any{"id": c.ID, "title": c.Title}
		if c.Score != nil {
			chosen["score"] = *c.Score
		}
		if c.Risk != nil {
			chosen["risk"] = *c.Risk
		}
		payload["chosen"] = chosen
	}
	if st.Debate != nil {
		payload["debate_mode"] = string(st.Debate.Mode)
	}
	if st.Values != nil {
		payload["value_total"] = st.Values.Total
	}
	if st.Fuji != nil {
		fj := map[string]any{
			"internal_status": string(st.Fuji.InternalStatus),
			"risk":            st.Fuji.Risk,
		}
		if len(st.Fuji.Violations) > 0 {
			tags := make([]any, 0, len(st.Fuji.Violations))
			for _, v := range st.Fuji.Violations {
				tags = append(tags, string(v))
			}
			fj["violations"] = tags
		}
		payload["fuji"] = fj
	}
	return payload
}

// observeDecision writes the admitted decision into episodic memory so
// future evidence gathering can recall it. Failures only warn; the
// decision is already sealed.
func (o *Orchestrator) observeDecision(ctx context.Context, st *State) {
	obsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observeTimeout)
	defer cancel()

	chosen := st.chosen()
	ep := memory.Episode{
		UserID:     st.UserID,
		Text:       fmt.Sprintf("decided %q for query %q", chosen.Title, st.Request.Query),
		Source:     "pipeline",
		Confidence: chosen.ScoreOr(0.5),
	}
	if err := o.svc.Memory.Observe(obsCtx, ep); err != nil {
		o.logger.Warn("pipeline: decision observation failed",
			"request_id", st.RequestID, "error", err)
	}
}

// fillUnreached pads the metric list so every stage before the seal
// appears exactly once, then restores execution order.
func fillUnreached(metrics []model.StageMetric) []model.StageMetric {
	have := make(map[model.StageName]bool, len(metrics))
	for _, m := range metrics {
		have[m.Stage] = true
	}
	for _, name := range model.StageOrder {
		if name == model.StageSealTrustLog {
			break
		}
		if !have[name] {
			metrics = append(metrics, model.StageMetric{Stage: name, Skipped: true, Reason: "not_reached"})
		}
	}
	order := make(map[model.StageName]int, len(model.StageOrder))
	for i, name := range model.StageOrder {
		order[name] = i
	}
	sort.SliceStable(metrics, func(i, j int) bool {
		return order[metrics[i].Stage] < order[metrics[j].Stage]
	})
	return metrics
}

// alternativesOf returns the non-chosen options, preferring the enriched
// set from debate over the raw collected options.
func alternativesOf(st *State) []model.CandidateOption {
	pool := st.Options
	chosenID := ""
	if st.Debate != nil {
		if len(st.Debate.EnrichedOptions) > 0 {
			pool = st.Debate.EnrichedOptions
		}
		if st.Debate.Chosen != nil {
			chosenID = st.Debate.Chosen.ID
		}
	}
	var alts []model.CandidateOption
	for _, opt := range pool {
		if opt.ID != chosenID {
			alts = append(alts, opt)
		}
	}
	return alts
}
