package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DetectorDeps wires a Detector. Records and Findings are required; a nil
// Authz or Dispatcher disables that stage.
type DetectorDeps struct {
	Records    RecordStore
	Findings   FindingStore
	Patterns   *PatternEngine
	Authz      *AuthzEngine
	Behavior   *BehaviorDetector
	Dispatcher *Dispatcher
	Ledger     *DetectionLedger
	Metrics    *Metrics
	Logger     zerolog.Logger
}

// Detector runs records through the pattern, authorization and behavior
// stages, persists the resulting findings and hands them to the dispatcher.
// Detection is fail-open: stage errors are logged and never returned.
type Detector struct {
	records    RecordStore
	findings   FindingStore
	patterns   *PatternEngine
	authz      *AuthzEngine
	behavior   *BehaviorDetector
	dispatcher *Dispatcher
	ledger     *DetectionLedger
	metrics    *Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDetector(deps DetectorDeps) (*Detector, error) {
	if deps.Records == nil {
		return nil, errors.New("detector requires a record store")
	}
	if deps.Findings == nil {
		return nil, errors.New("detector requires a finding store")
	}
	if deps.Patterns == nil {
		deps.Patterns = NewPatternEngine(nil)
	}
	if deps.Behavior == nil {
		deps.Behavior = NewBehaviorDetector(DefaultBehaviorConfig(), nil,
			WithBehaviorLogger(deps.Logger), WithBehaviorMetrics(deps.Metrics))
	}
	return &Detector{
		records:    deps.Records,
		findings:   deps.Findings,
		patterns:   deps.Patterns,
		authz:      deps.Authz,
		behavior:   deps.Behavior,
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
	}, nil
}

// IngestResult is what Ingest reports back to the caller.
type IngestResult struct {
	RecordID string     `json:"id"`
	Outcome  Outcome    `json:"outcome"`
	Findings []*Finding `json:"findings"`
}

// Ingest stores rec and runs it through every detection stage. Only a failure
// to store the record is returned.
func (d *Detector) Ingest(ctx context.Context, rec *QueryActivityRecord) (*IngestResult, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	if err := d.records.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}
	d.metrics.RecordIngested()

	result := &IngestResult{RecordID: rec.ID, Findings: []*Finding{}}
	result.Findings = append(result.Findings, d.EvaluateRecord(ctx, rec).Findings()...)
	if f := d.ObserveForBehavior(ctx, rec); f != nil {
		result.Findings = append(result.Findings, f)
	}
	result.Outcome = rec.Outcome
	return result, nil
}

// EvaluateRecord runs the stateless pattern and authorization stages. A HIGH
// pattern match or an authorization deny marks rec FAILED.
func (d *Detector) EvaluateRecord(ctx context.Context, rec *QueryActivityRecord) Evaluation {
	var ev Evaluation
	if rec == nil {
		return ev
	}
	normalized := Normalize(rec.RawText)
	ev.Pattern = d.guard("pattern", rec, func() *Finding { return d.evaluatePattern(ctx, rec, normalized) })
	ev.Authz = d.guard("authz", rec, func() *Finding { return d.evaluateAuthz(ctx, rec, normalized) })
	return ev
}

// ObserveForBehavior feeds rec to the behavior detector and raises the
// finding of the window it retired, if any.
func (d *Detector) ObserveForBehavior(ctx context.Context, rec *QueryActivityRecord) *Finding {
	return d.guard("behavior", rec, func() *Finding {
		f := d.behavior.Observe(rec)
		if f == nil {
			return nil
		}
		source, err := d.records.GetRecord(ctx, f.SourceRecordID)
		if err != nil {
			d.logger.Debug().Err(err).Str("record", f.SourceRecordID).Msg("behavior source record unavailable")
			source = nil
		}
		if !d.raise(ctx, f, source, false) {
			return nil
		}
		return f
	})
}

func (d *Detector) guard(stage string, rec *QueryActivityRecord, fn func() *Finding) (f *Finding) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.EvaluationFailed(stage)
			d.logger.Error().
				Interface("panic", r).
				Str("stage", stage).
				Str("record", rec.ID).
				Str("principal", rec.Principal).
				Msg("detection stage failed, continuing without finding")
			f = nil
		}
	}()
	return fn()
}

func (d *Detector) evaluatePattern(ctx context.Context, rec *QueryActivityRecord, normalized string) *Finding {
	match, ok := d.patterns.Evaluate(normalized)
	if !ok {
		return nil
	}
	f := &Finding{
		ID:             uuid.NewString(),
		SourceRecordID: rec.ID,
		Kind:           KindPattern,
		Severity:       match.Severity,
		OccurredAt:     d.now(),
		Evidence:       normalized,
		Rule:           match.RuleID,
		Principal:      rec.Principal,
	}
	if !d.raise(ctx, f, rec, match.Severity == SeverityHigh) {
		return nil
	}
	return f
}

func (d *Detector) evaluateAuthz(ctx context.Context, rec *QueryActivityRecord, normalized string) *Finding {
	if d.authz == nil {
		return nil
	}
	v, denied := d.authz.Evaluate(rec.Principal, rec.RawText)
	if !denied {
		return nil
	}
	f := &Finding{
		ID:             uuid.NewString(),
		SourceRecordID: rec.ID,
		Kind:           KindAuthz,
		Severity:       v.Severity,
		OccurredAt:     d.now(),
		Evidence:       fmt.Sprintf("%s | %s | %s", v.MatchedRule, v.Reason, normalized),
		Rule:           v.MatchedRule,
		Principal:      rec.Principal,
	}
	if !d.raise(ctx, f, rec, true) {
		return nil
	}
	return f
}

// raise persists f, applies the blocking side effect and dispatches. It
// reports false when the finding could not be stored.
func (d *Detector) raise(ctx context.Context, f *Finding, rec *QueryActivityRecord, block bool) bool {
	if err := d.findings.SaveFinding(ctx, f); err != nil {
		d.metrics.EvaluationFailed("persist")
		d.logger.Error().Err(err).Str("kind", string(f.Kind)).Str("record", f.SourceRecordID).Msg("failed to store finding")
		return false
	}
	if block && rec != nil {
		d.markFailed(ctx, rec)
	}
	d.metrics.FindingRaised(f)
	d.ledger.Record(f)
	d.logger.Info().
		Str("finding", f.ID).
		Str("kind", string(f.Kind)).
		Str("severity", string(f.Severity)).
		Str("principal", f.Principal).
		Str("record", f.SourceRecordID).
		Str("rule", f.Rule).
		Msg("finding raised")
	if d.dispatcher != nil {
		d.dispatcher.Dispatch(ctx, f, rec)
	}
	return true
}

// markFailed flips the record outcome to FAILED. Repeated calls are no-ops.
func (d *Detector) markFailed(ctx context.Context, rec *QueryActivityRecord) {
	rec.Outcome = OutcomeFailed
	stored, err := d.records.GetRecord(ctx, rec.ID)
	switch {
	case err == nil && stored.Outcome == OutcomeFailed:
		return
	case err == nil:
		stored.Outcome = OutcomeFailed
	case errors.Is(err, ErrNotFound):
		cp := *rec
		stored = &cp
	default:
		d.logger.Warn().Err(err).Str("record", rec.ID).Msg("failed to load record for blocking")
		return
	}
	if err := d.records.SaveRecord(ctx, stored); err != nil {
		d.logger.Warn().Err(err).Str("record", rec.ID).Msg("failed to mark record as failed")
	}
}

// Explanation is a side-effect free evaluation of one statement.
type Explanation struct {
	Normalized string        `json:"normalized"`
	Action     Action        `json:"action"`
	Tables     []string      `json:"tables"`
	Pattern    *PatternMatch `json:"pattern,omitempty"`
	Violation  *Violation    `json:"violation,omitempty"`
}

// Explain evaluates sql for principal without storing or notifying anything.
func Explain(patterns *PatternEngine, authz *AuthzEngine, principal, sql string) Explanation {
	normalized := Normalize(sql)
	ex := Explanation{
		Normalized: normalized,
		Action:     ClassifyAction(normalized),
		Tables:     ExtractTables(normalized),
	}
	if patterns != nil {
		if m, ok := patterns.Evaluate(normalized); ok {
			ex.Pattern = &m
		}
	}
	if authz != nil && principal != "" {
		if v, ok := authz.Evaluate(principal, sql); ok {
			ex.Violation = &v
		}
	}
	return ex
}
