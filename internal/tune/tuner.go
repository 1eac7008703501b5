package tune

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/spinlidar/internal/db"
	"github.com/banshee-data/spinlidar/internal/monitoring"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

var (
	// ErrNoValidTrial is returned when every evaluation failed.
	ErrNoValidTrial = errors.New("tune: no evaluation succeeded")
	// ErrAlreadyRunning is returned by Run while another run is in progress.
	ErrAlreadyRunning = errors.New("tune: already running")
)

// DefaultEvalTimeout bounds the two rotation reads of one evaluation.
const DefaultEvalTimeout = 10 * time.Second

// Recorder persists tuning history. *db.DB implements it.
type Recorder interface {
	InsertTuneRun(run db.TuneRun) error
	InsertTuneTrial(trial db.TuneTrial) error
	FinishTuneRun(run db.TuneRun) error
}

// Options control a tuning run.
type Options struct {
	MinRPM      float64
	MaxRPM      float64
	InitialRPM  float64 // restored if the run fails
	Seeds       int     // evenly spaced starting evaluations, at least 1
	MaxEvals    int     // total evaluations including seeds
	EvalTimeout time.Duration
	Clock       timeutil.Clock
	Recorder    Recorder // optional
}

// Result summarises a finished run.
type Result struct {
	RunID       string          `json:"run_id"`
	BestRPM     float64         `json:"best_rpm"`
	BestError   float64         `json:"best_error"`
	Evaluations int             `json:"evaluations"`
	Trials      []db.TuneTrial  `json:"trials"`
	Status      optimize.Status `json:"-"`
}

// Tuner searches [MinRPM, MaxRPM] for the rpm minimising RotationError. It
// needs exclusive use of the target's queue while running.
type Tuner struct {
	target Target
	opts   Options

	mu      sync.Mutex
	running bool
}

// NewTuner validates opts and returns a Tuner for target.
func NewTuner(target Target, opts Options) (*Tuner, error) {
	if !(opts.MinRPM > 0) || !(opts.MaxRPM > opts.MinRPM) {
		return nil, fmt.Errorf("tune: invalid rpm range [%g, %g]", opts.MinRPM, opts.MaxRPM)
	}
	if opts.Seeds < 1 {
		opts.Seeds = 1
	}
	if opts.MaxEvals < opts.Seeds {
		opts.MaxEvals = opts.Seeds
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = DefaultEvalTimeout
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Tuner{target: target, opts: opts}, nil
}

// Running reports whether a run is in progress.
func (t *Tuner) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// seedRPMs spreads n values across [lo, hi]; a single seed sits mid-range.
func seedRPMs(lo, hi float64, n int) []float64 {
	if n == 1 {
		return []float64{(lo + hi) / 2}
	}
	return floats.Span(make([]float64, n), lo, hi)
}

type run struct {
	*Tuner
	ctx    context.Context
	record db.TuneRun
	trials []db.TuneTrial
	best   db.TuneTrial
	found  bool
}

func (r *run) evaluate(rpm float64) float64 {
	trial := db.TuneTrial{RunID: r.record.RunID, Seq: len(r.trials), RPM: rpm}

	if r.ctx.Err() == nil && rpm >= r.opts.MinRPM && rpm <= r.opts.MaxRPM {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.EvalTimeout)
		m, err := RotationError(ctx, r.target, rpm)
		cancel()

		trial.SamplesA, trial.SamplesB = m.SamplesA, m.SamplesB
		if err != nil {
			monitoring.Debugf("tune: rpm %.3f failed: %v", rpm, err)
		} else {
			e := m.Error
			trial.Error = &e
		}
	}
	trial.RecordedAt = r.opts.Clock.Now()
	r.trials = append(r.trials, trial)

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.InsertTuneTrial(trial); err != nil {
			monitoring.Logf("tune: failed to record trial: %v", err)
		}
	}

	if trial.Error == nil {
		return math.Inf(1)
	}
	if !r.found || *trial.Error < *r.best.Error {
		r.best, r.found = trial, true
	}
	return *trial.Error
}

// Run evaluates the seed rpms, refines the best with Nelder-Mead and leaves
// the target at the best rpm found with an empty queue. On failure the
// target is returned to InitialRPM.
func (t *Tuner) Run(ctx context.Context) (Result, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	t.running = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	r := &run{
		Tuner: t,
		ctx:   ctx,
		record: db.TuneRun{
			RunID:      uuid.NewString(),
			StartedAt:  t.opts.Clock.Now(),
			MinRPM:     t.opts.MinRPM,
			MaxRPM:     t.opts.MaxRPM,
			InitialRPM: t.opts.InitialRPM,
			Status:     db.TuneStatusRunning,
		},
	}
	if t.opts.Recorder != nil {
		if err := t.opts.Recorder.InsertTuneRun(r.record); err != nil {
			monitoring.Logf("tune: failed to record run: %v", err)
		}
	}
	monitoring.Logf("tune: run %s searching [%g, %g] rpm", r.record.RunID, t.opts.MinRPM, t.opts.MaxRPM)

	for _, rpm := range seedRPMs(t.opts.MinRPM, t.opts.MaxRPM, t.opts.Seeds) {
		r.evaluate(rpm)
	}

	status := optimize.NotTerminated
	if remaining := t.opts.MaxEvals - len(r.trials); r.found && remaining > 0 && ctx.Err() == nil {
		status = r.refine(remaining)
	}

	return t.finish(r, status)
}

func (r *run) refine(evals int) optimize.Status {
	span := r.opts.MaxRPM - r.opts.MinRPM
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return r.evaluate(x[0]) },
	}
	settings := &optimize.Settings{
		InitValues:      &optimize.Location{F: *r.best.Error},
		FuncEvaluations: evals,
		Concurrent:      1,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-6,
			Iterations: 8,
		},
	}
	method := &optimize.NelderMead{
		SimplexSize: span / float64(2*r.opts.Seeds),
	}

	result, err := optimize.Minimize(problem, []float64{r.best.RPM}, settings, method)
	if err != nil {
		monitoring.Debugf("tune: optimiser stopped: %v", err)
	}
	if result == nil {
		return optimize.Failure
	}
	return result.Status
}

func (t *Tuner) finish(r *run, status optimize.Status) (Result, error) {
	res := Result{
		RunID:       r.record.RunID,
		Evaluations: len(r.trials),
		Trials:      r.trials,
		Status:      status,
	}

	now := t.opts.Clock.Now()
	r.record.FinishedAt = &now
	r.record.Evaluations = len(r.trials)

	var runErr error
	switch {
	case r.ctx.Err() != nil:
		runErr = r.ctx.Err()
	case !r.found:
		runErr = ErrNoValidTrial
	default:
		runErr = t.target.SetRPM(r.best.RPM)
	}

	if runErr != nil {
		if t.opts.InitialRPM > 0 {
			t.target.SetRPM(t.opts.InitialRPM)
		}
		r.record.Status = db.TuneStatusFailed
		r.record.ErrorMessage = runErr.Error()
	} else {
		best, bestErr := r.best.RPM, *r.best.Error
		res.BestRPM, res.BestError = best, bestErr
		r.record.Status = db.TuneStatusCompleted
		r.record.BestRPM = &best
		r.record.BestError = &bestErr
	}
	t.target.Reset()

	if t.opts.Recorder != nil {
		if err := t.opts.Recorder.FinishTuneRun(r.record); err != nil {
			monitoring.Logf("tune: failed to record run result: %v", err)
		}
	}

	if runErr != nil {
		monitoring.Logf("tune: run %s failed after %d evaluations: %v", r.record.RunID, res.Evaluations, runErr)
		return res, runErr
	}

	var errs []float64
	for _, tr := range r.trials {
		if tr.Error != nil {
			errs = append(errs, *tr.Error)
		}
	}
	monitoring.Logf("tune: run %s best rpm %.3f (error %.3g, mean %.3g over %d evaluations, %v)",
		r.record.RunID, res.BestRPM, res.BestError, stat.Mean(errs, nil), res.Evaluations, status)
	return res, nil
}
