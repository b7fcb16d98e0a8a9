package sqlguard

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BehaviorWeights scale each window statistic in the anomaly score.
type BehaviorWeights struct {
	QPM        float64 `yaml:"qpm" json:"qpm"`
	WriteRatio float64 `yaml:"writeRatio" json:"writeRatio"`
	DDLPerMin  float64 `yaml:"ddlPerMin" json:"ddlPerMin"`
	ErrorBurst float64 `yaml:"errorBurst" json:"errorBurst"`
}

// BehaviorConfig configures window size, thresholds and scoring weights.
type BehaviorConfig struct {
	WindowSeconds   int64           `yaml:"windowSeconds" json:"windowSeconds"`
	ThresholdMedium float64         `yaml:"thresholdMedium" json:"thresholdMedium"`
	ThresholdHigh   float64         `yaml:"thresholdHigh" json:"thresholdHigh"`
	Weights         BehaviorWeights `yaml:"weights" json:"weights"`
}

func DefaultBehaviorConfig() BehaviorConfig {
	return BehaviorConfig{
		WindowSeconds:   60,
		ThresholdMedium: 3.0,
		ThresholdHigh:   6.0,
		Weights: BehaviorWeights{
			QPM:        1.0,
			WriteRatio: 1.0,
			DDLPerMin:  1.0,
			ErrorBurst: 0.5,
		},
	}
}

// BehaviorScore is the statistics snapshot of a retired window.
type BehaviorScore struct {
	QPM        float64
	WriteRatio float64
	DDLPerMin  float64
	ErrorBurst int64
	Score      float64
}

// ScoreWindow computes the weighted anomaly score of a window.
func ScoreWindow(w *PrincipalWindow, cfg BehaviorConfig) BehaviorScore {
	minutes := max(float64(cfg.WindowSeconds)/60.0, 1e-6)
	s := BehaviorScore{
		QPM:        float64(w.Total) / minutes,
		DDLPerMin:  float64(w.DDL) / minutes,
		ErrorBurst: w.Errors,
	}
	if w.Total > 0 {
		s.WriteRatio = float64(w.Writes) / float64(w.Total)
	}
	s.Score = cfg.Weights.QPM*s.QPM +
		cfg.Weights.WriteRatio*s.WriteRatio +
		cfg.Weights.DDLPerMin*s.DDLPerMin +
		cfg.Weights.ErrorBurst*float64(s.ErrorBurst)
	return s
}

// Classify maps a score onto the configured thresholds.
func (c BehaviorConfig) Classify(score float64) (Severity, bool) {
	switch {
	case score >= c.ThresholdHigh:
		return SeverityHigh, true
	case score >= c.ThresholdMedium:
		return SeverityMedium, true
	}
	return "", false
}

func alignWindow(epoch, windowSeconds int64) int64 {
	start := epoch / windowSeconds * windowSeconds
	if epoch < 0 && epoch%windowSeconds != 0 {
		start -= windowSeconds
	}
	return start
}

var errUnobservable = errors.New("record cannot be observed")

// BehaviorDetector scores per-principal activity windows. Windows retire
// lazily: a principal's window is only scored when a later record of the same
// principal lands in a different window.
type BehaviorDetector struct {
	cfg     BehaviorConfig
	store   WindowStore
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type BehaviorOption func(*BehaviorDetector)

func WithBehaviorLogger(l zerolog.Logger) BehaviorOption {
	return func(d *BehaviorDetector) { d.logger = l }
}

func WithBehaviorMetrics(m *Metrics) BehaviorOption {
	return func(d *BehaviorDetector) { d.metrics = m }
}

func WithBehaviorClock(now func() time.Time) BehaviorOption {
	return func(d *BehaviorDetector) { d.now = now }
}

func NewBehaviorDetector(cfg BehaviorConfig, store WindowStore, opts ...BehaviorOption) *BehaviorDetector {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultBehaviorConfig().WindowSeconds
	}
	if store == nil {
		store = NewInMemoryWindowStore()
	}
	d := &BehaviorDetector{
		cfg:    cfg,
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *BehaviorDetector) Config() BehaviorConfig {
	return d.cfg
}

// Observe accumulates rec into its principal's window. When rec starts a new
// window the previous one is retired first, and its finding (if the score
// crosses a threshold) is returned. Observe never fails: on any internal error
// the principal's state is left unchanged and nil is returned.
func (d *BehaviorDetector) Observe(rec *QueryActivityRecord) (finding *Finding) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.EvaluationFailed("behavior")
			d.logger.Warn().Interface("panic", r).Msg("behavior observation panicked")
			finding = nil
		}
	}()
	if err := d.validate(rec); err != nil {
		d.metrics.EvaluationFailed("behavior")
		d.logger.Debug().Err(err).Msg("behavior observation skipped")
		return nil
	}

	start := alignWindow(rec.OccurredAt.Unix(), d.cfg.WindowSeconds)
	action := ClassifyAction(Normalize(rec.RawText))

	var retired *Finding
	err := d.store.Compute(rec.Principal, func(current *PrincipalWindow) (*PrincipalWindow, error) {
		retired = nil
		next := current
		if current == nil || current.Start != start {
			if current != nil {
				retired = d.retire(current)
			}
			next = &PrincipalWindow{Principal: rec.Principal, Start: start}
		}
		next.accumulate(rec, action)
		return next, nil
	})
	if err != nil {
		d.metrics.EvaluationFailed("behavior")
		d.logger.Warn().Err(err).Str("principal", rec.Principal).Str("record", rec.ID).Msg("behavior observation failed")
		return nil
	}
	d.metrics.SetOpenWindows(d.store.Len())
	return retired
}

func (d *BehaviorDetector) validate(rec *QueryActivityRecord) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: nil record", errUnobservable)
	case rec.Principal == "":
		return fmt.Errorf("%w: record %s has no principal", errUnobservable, rec.ID)
	case rec.OccurredAt.IsZero():
		return fmt.Errorf("%w: record %s has no timestamp", errUnobservable, rec.ID)
	}
	return nil
}

func (d *BehaviorDetector) retire(w *PrincipalWindow) *Finding {
	score := ScoreWindow(w, d.cfg)
	severity, ok := d.cfg.Classify(score.Score)
	if !ok || w.LastRecordID == "" {
		d.metrics.WindowRetired(false)
		return nil
	}
	d.metrics.WindowRetired(true)
	return &Finding{
		ID:             uuid.NewString(),
		SourceRecordID: w.LastRecordID,
		Kind:           KindBehavior,
		Severity:       severity,
		OccurredAt:     d.now(),
		Principal:      w.Principal,
		Evidence: fmt.Sprintf("USER=%s QPM=%.2f WRITE_RATIO=%.2f DDL/m=%.2f ERR=%d SCORE=%.2f",
			w.Principal, score.QPM, score.WriteRatio, score.DDLPerMin, score.ErrorBurst, score.Score),
	}
}
