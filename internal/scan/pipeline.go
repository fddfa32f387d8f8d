package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"medicine-scanner/internal/observability"
	"medicine-scanner/internal/profile"
)

// Options configures a Pipeline. Zero values are valid.
type Options struct {
	// Timeout bounds a whole run; exceeding it fails the run as Generic. Zero disables it.
	Timeout  time.Duration
	Observer Observer
	Metrics  *Metrics
	Logger   *observability.Logger
}

// Pipeline drives one scan at a time: Idle -> Analyzing -> CheckingInteractions
// -> Result | Error. Every run is tagged with a generation number; a transition
// whose run is no longer current is dropped, so Reset can be called at any time
// without an abandoned gateway call leaking into a later run.
type Pipeline struct {
	gateway Gateway
	probe   Probe
	opts    Options
	log     *observability.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	snap   Snapshot
	// claimed is set by Submit before the connectivity check and cleared only by
	// Reset, so an Idle snapshot never admits a second run.
	claimed bool

	// emitMu keeps observer calls in transition order without holding mu.
	emitMu sync.Mutex
}

func NewPipeline(gateway Gateway, probe Probe, opts Options) *Pipeline {
	return &Pipeline{
		gateway: gateway,
		probe:   probe,
		opts:    opts,
		log:     observability.OrNop(opts.Logger).Component("scan_pipeline"),
		snap:    Snapshot{State: StateIdle},
	}
}

// Snapshot returns the current observable state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Submit runs the pipeline for image against prof's medication list and
// blocks until the run ends. With a nil profile nothing starts and
// ErrNoActiveProfile is returned. A run abandoned by Reset returns ErrRunSuperseded.
// Gateway failures are not returned as errors; they end in the Error state.
func (p *Pipeline) Submit(ctx context.Context, image []byte, prof *profile.Profile) (Snapshot, error) {
	if prof == nil {
		return p.Snapshot(), ErrNoActiveProfile
	}

	p.mu.Lock()
	if p.snap.State != StateIdle || p.claimed {
		snap := p.snap
		p.mu.Unlock()
		return snap, ErrRunActive
	}
	p.claimed = true
	p.gen++
	runID := p.gen
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if p.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	log := p.log.With("run_id", runID, "profile_id", prof.ID)

	if p.probe != nil && !p.probe.Reachable() {
		log.Info("scan refused: offline")
		return p.finish(runID, Snapshot{State: StateError, Failure: newFailure(KindNoConnectivity, StageConnectivity, nil, nil)})
	}

	if !p.transition(runID, Snapshot{State: StateAnalyzing}) {
		return Snapshot{}, ErrRunSuperseded
	}

	lang := prof.LanguageCode
	start := time.Now()
	ident, err := p.gateway.Identify(runCtx, image, lang)
	p.opts.Metrics.recordStage(StageIdentification, time.Since(start))
	if err == nil && ident.Name == "" {
		err = errors.New("gateway returned no medicine name")
	}
	if err != nil {
		kind := KindGeneric
		if errors.Is(err, ErrUnreadable) {
			kind = KindUnreadable
		}
		log.Warn("identification failed", "kind", kind, "error", err)
		return p.finish(runID, Snapshot{State: StateError, Failure: newFailure(kind, StageIdentification, nil, err)})
	}
	log.Info("medicine identified", "name", ident.Name)

	if len(prof.Medications) == 0 {
		return p.finish(runID, Snapshot{
			State:          StateResult,
			Identification: &ident,
			Result:         &AnalysisResult{Identification: ident, Interaction: NoConflict()},
		})
	}

	if !p.transition(runID, Snapshot{State: StateCheckingInteractions, Identification: &ident}) {
		return Snapshot{}, ErrRunSuperseded
	}

	start = time.Now()
	outcome, err := p.gateway.CheckInteractions(runCtx, ident.Name, prof.MedicationNames(), lang)
	p.opts.Metrics.recordStage(StageInteraction, time.Since(start))
	if err == nil {
		outcome, err = normalizeOutcome(outcome)
	}
	if err != nil {
		log.Warn("interaction check failed", "error", err)
		return p.finish(runID, Snapshot{
			State:          StateError,
			Identification: &ident,
			Failure:        newFailure(KindGeneric, StageInteraction, &ident, err),
		})
	}

	return p.finish(runID, Snapshot{
		State:          StateResult,
		Identification: &ident,
		Result:         &AnalysisResult{Identification: ident, Interaction: outcome},
	})
}

// Reset abandons any in-flight run and returns to a fresh Idle state. Valid in
// every state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.claimed = false
	p.snap = Snapshot{RunID: p.gen, State: StateIdle}
	snap := p.snap
	p.emitMu.Lock()
	p.mu.Unlock()
	defer p.emitMu.Unlock()
	p.emit(snap)
}

// transition applies next if runID is still current. It reports whether it did.
func (p *Pipeline) transition(runID uint64, next Snapshot) bool {
	p.mu.Lock()
	if runID != p.gen {
		p.mu.Unlock()
		p.opts.Metrics.recordStale()
		p.log.Debug("dropped stale transition", "run_id", runID, "state", next.State)
		return false
	}
	next.RunID = runID
	p.snap = next
	p.emitMu.Lock()
	p.mu.Unlock()
	defer p.emitMu.Unlock()
	p.emit(next)
	return true
}

func (p *Pipeline) finish(runID uint64, terminal Snapshot) (Snapshot, error) {
	if !p.transition(runID, terminal) {
		return Snapshot{}, ErrRunSuperseded
	}
	terminal.RunID = runID
	p.opts.Metrics.recordOutcome(terminal)
	return terminal, nil
}

func (p *Pipeline) emit(s Snapshot) {
	if p.opts.Observer != nil {
		p.opts.Observer(s)
	}
}

// normalizeOutcome validates a gateway outcome. A conflict must carry a real
// severity; no conflict always means severity none.
func normalizeOutcome(o InteractionOutcome) (InteractionOutcome, error) {
	if o.Severity == "" && !o.HasConflict {
		o.Severity = SeverityNone
	}
	sev, err := ParseSeverity(string(o.Severity))
	if err != nil {
		return InteractionOutcome{}, err
	}
	o.Severity = sev
	if o.HasConflict && sev == SeverityNone {
		return InteractionOutcome{}, fmt.Errorf("conflict reported without severity")
	}
	return o, nil
}
