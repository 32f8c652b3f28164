// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSteadyStateInvalid aborts an experiment whose metrics are unhealthy
	// before any load is applied.
	ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")
	// ErrHypothesisViolated is returned by ExecuteGameDay when at least one
	// experiment's assertions failed.
	ErrHypothesisViolated = errors.New("hypothesis violated")
)

// Experiment is a drill against the reservation engine: check the metrics,
// apply Method, watch the metrics for Duration, undo with Rollback and
// finally check Validation against a last sample.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
}

// Metric is a sampled system property. Healthy nil means any value is fine.
type Metric struct {
	Name    string
	Query   func(context.Context) (float64, error)
	Healthy func(float64) bool
}

func equals(want float64) func(float64) bool {
	return func(v float64) bool { return v == want }
}

func atMost(limit float64) func(float64) bool {
	return func(v float64) bool { return v <= limit }
}

// Action is one load or cleanup step.
type Action struct {
	Name    string
	Execute func(context.Context) error
}

// Assertion checks a metric's final value.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult records one run.
type ExperimentResult struct {
	ExperimentName   string               `json:"experiment_name"`
	StartTime        time.Time            `json:"start_time"`
	Duration         time.Duration        `json:"duration"`
	HypothesisHeld   bool                 `json:"hypothesis_held"`
	SteadyStateValid bool                 `json:"steady_state_valid"`
	Unhealthy        []Sample             `json:"unhealthy,omitempty"`
	Failures         []string             `json:"failures,omitempty"`
	Observations     map[string][]float64 `json:"observations"`
	Errors           []StepError          `json:"errors,omitempty"`
}

// Sample is one metric reading that failed its health check.
type Sample struct {
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

// StepError is an action or metric query that returned an error.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Engine runs experiments against a Target and keeps their results.
type Engine struct {
	tracer   trace.Tracer
	target   Target
	interval time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []ExperimentResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithSampleInterval sets how often metrics are sampled while an experiment
// is observed. The default is one second.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

func NewEngine(target Target, opts ...Option) *Engine {
	e := &Engine{
		tracer:   otel.Tracer("biblioteca/internal/chaos"),
		target:   target,
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExperiment adds an experiment to the drill.
func (ce *Engine) RegisterExperiment(exp Experiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

// Experiments returns the registered experiments.
func (ce *Engine) Experiments() []Experiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]Experiment(nil), ce.experiments...)
}

// Results returns every result recorded so far.
func (ce *Engine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

// RunExperiment executes exp. The error is only set when the experiment
// could not start; a failed hypothesis is reported in the result.
func (ce *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]float64),
	}

	ce.sample(ctx, exp.SteadyState, result)
	if len(result.Unhealthy) > 0 || len(result.Errors) > 0 {
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("method")
	ce.execute(ctx, span, exp.Method, result)
	span.AddEvent("observe")
	ce.observe(ctx, exp, result)
	span.AddEvent("rollback")
	ce.execute(ctx, span, exp.Rollback, result)

	ce.sample(ctx, exp.SteadyState, result)
	result.Failures = failedAssertions(exp.Validation, result.Observations)
	result.HypothesisHeld = len(result.Failures) == 0
	result.Duration = time.Since(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("unhealthy_samples", len(result.Unhealthy)),
	)
	return result, nil
}

func (ce *Engine) execute(ctx context.Context, span trace.Span, actions []Action, result *ExperimentResult) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.Errors = append(result.Errors, StepError{Step: action.Name, Error: err.Error()})
			span.RecordError(err)
		}
	}
}

func (ce *Engine) observe(ctx context.Context, exp Experiment, result *ExperimentResult) {
	if exp.Duration <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(ce.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ce.sample(ctx, exp.SteadyState, result)
		}
	}
}

// sample reads every metric once into result.
func (ce *Engine) sample(ctx context.Context, metrics []Metric, result *ExperimentResult) {
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			result.Errors = append(result.Errors, StepError{Step: m.Name, Error: err.Error()})
			continue
		}
		result.Observations[m.Name] = append(result.Observations[m.Name], value)
		if m.Healthy != nil && !m.Healthy(value) {
			result.Unhealthy = append(result.Unhealthy, Sample{Metric: m.Name, Value: value, At: time.Now()})
		}
	}
}

// failedAssertions returns the messages of assertions whose metric's last
// observation does not satisfy them.
func failedAssertions(assertions []Assertion, observations map[string][]float64) []string {
	var failures []string
	for _, a := range assertions {
		values := observations[a.Metric]
		if len(values) == 0 {
			failures = append(failures, a.Message+": no observations")
			continue
		}
		if last := values[len(values)-1]; !a.Condition(last) {
			failures = append(failures, fmt.Sprintf("%s: got %.2f", a.Message, last))
		}
	}
	return failures
}

// GameDay is an ordered run of experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause is the wait between experiments.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario in order and writes a report to w.
func (ce *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay, w io.Writer) error {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	fmt.Fprintf(w, "🎮 Starting Game Day: %s (%s)\n", gameDay.Name, gameDay.Date.Format(time.RFC3339))

	var failed []error
	for i, scenario := range gameDay.Scenarios {
		if i > 0 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(append(failed, ctx.Err())...)
			case <-time.After(gameDay.Pause):
			}
		}

		fmt.Fprintf(w, "\n🔬 Experiment %d/%d: %s\n💡 %s\n", i+1, len(gameDay.Scenarios), scenario.Name, scenario.Hypothesis)
		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Fprintf(w, "❌ Experiment aborted: %v\n", err)
			failed = append(failed, fmt.Errorf("%s: %w", scenario.Name, err))
			continue
		}

		report(w, result)
		if !result.HypothesisHeld {
			failed = append(failed, fmt.Errorf("%s: %w", scenario.Name, ErrHypothesisViolated))
		}
	}
	return errors.Join(failed...)
}

func report(w io.Writer, result *ExperimentResult) {
	if result.HypothesisHeld {
		fmt.Fprintln(w, "✅ Hypothesis held")
	} else {
		fmt.Fprintln(w, "❌ Hypothesis violated")
		for _, f := range result.Failures {
			fmt.Fprintf(w, "   - %s\n", f)
		}
	}
	for _, s := range result.Unhealthy {
		fmt.Fprintf(w, "⚠️  %s was %.2f at %s\n", s.Metric, s.Value, s.At.Format(time.TimeOnly))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "⚠️  %s: %s\n", e.Step, e.Error)
	}
	fmt.Fprintf(w, "📊 Duration: %s\n", result.Duration)
}
