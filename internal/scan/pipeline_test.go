package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medicine-scanner/internal/profile"
)

type fakeGateway struct {
	mu            sync.Mutex
	identify      func(ctx context.Context) (Identification, error)
	check         func(ctx context.Context) (InteractionOutcome, error)
	identifyCalls int
	checkCalls    int
	lastCandidate string
	lastExisting  []string
}

func (g *fakeGateway) Identify(ctx context.Context, image []byte, lang string) (Identification, error) {
	g.mu.Lock()
	g.identifyCalls++
	fn := g.identify
	g.mu.Unlock()
	return fn(ctx)
}

func (g *fakeGateway) CheckInteractions(ctx context.Context, candidate string, existing []string, lang string) (InteractionOutcome, error) {
	g.mu.Lock()
	g.checkCalls++
	g.lastCandidate = candidate
	g.lastExisting = existing
	fn := g.check
	g.mu.Unlock()
	if fn == nil {
		return InteractionOutcome{}, errors.New("unexpected interaction check")
	}
	return fn(ctx)
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identifyCalls, g.checkCalls
}

func identifies(name string) func(context.Context) (Identification, error) {
	return func(context.Context) (Identification, error) {
		return Identification{Name: name, Details: Details{Dosage: "400 mg"}}, nil
	}
}

type staticProbe bool

func (p staticProbe) Reachable() bool { return bool(p) }

func profileWith(meds ...string) *profile.Profile {
	p := &profile.Profile{ID: "p1", Name: "Amina", LanguageCode: "en"}
	for i, m := range meds {
		p.Medications = append(p.Medications, profile.MedicineRecord{ID: string(rune('a' + i)), Name: m})
	}
	return p
}

func TestEmptyMedicationsSkipInteractionCheck(t *testing.T) {
	gw := &fakeGateway{identify: identifies("Ibuprofen")}
	p := NewPipeline(gw, staticProbe(true), Options{})

	snap, err := p.Submit(context.Background(), []byte("img"), profileWith())
	require.NoError(t, err)

	assert.Equal(t, StateResult, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Ibuprofen", snap.Result.Identification.Name)
	assert.False(t, snap.Result.Interaction.HasConflict)
	assert.Equal(t, SeverityNone, snap.Result.Interaction.Severity)

	_, checks := gw.calls()
	assert.Zero(t, checks)
}

func TestInteractionResultIsAttachedWithoutTouchingProfile(t *testing.T) {
	want := InteractionOutcome{
		HasConflict:    true,
		Severity:       SeverityModerate,
		Explanation:    "Both are NSAIDs.",
		Recommendation: "Avoid taking them together.",
	}
	gw := &fakeGateway{
		identify: identifies("Ibuprofen"),
		check:    func(context.Context) (InteractionOutcome, error) { return want, nil },
	}

	var states []State
	p := NewPipeline(gw, staticProbe(true), Options{Observer: func(s Snapshot) { states = append(states, s.State) }})

	amina := profileWith("Aspirin")
	snap, err := p.Submit(context.Background(), []byte("img"), amina)
	require.NoError(t, err)

	assert.Equal(t, StateResult, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, want, snap.Result.Interaction)
	assert.Equal(t, "Ibuprofen", gw.lastCandidate)
	assert.Equal(t, []string{"Aspirin"}, gw.lastExisting)
	assert.Equal(t, []State{StateAnalyzing, StateCheckingInteractions, StateResult}, states)

	require.Len(t, amina.Medications, 1)
	assert.Equal(t, "Aspirin", amina.Medications[0].Name)
}

func TestSubmitWithoutProfileStaysIdle(t *testing.T) {
	gw := &fakeGateway{identify: identifies("Ibuprofen")}
	p := NewPipeline(gw, staticProbe(true), Options{})

	snap, err := p.Submit(context.Background(), []byte("img"), nil)
	assert.ErrorIs(t, err, ErrNoActiveProfile)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StateIdle, p.Snapshot().State)

	identifyCalls, _ := gw.calls()
	assert.Zero(t, identifyCalls)
}

func TestOfflineFailsWithoutGateway(t *testing.T) {
	gw := &fakeGateway{identify: identifies("Ibuprofen")}
	p := NewPipeline(gw, staticProbe(false), Options{})

	snap, err := p.Submit(context.Background(), []byte("img"), profileWith())
	require.NoError(t, err)
	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindNoConnectivity, snap.Failure.Kind)

	identifyCalls, _ := gw.calls()
	assert.Zero(t, identifyCalls)
}

func TestIdentificationFailureKinds(t *testing.T) {
	unreadable := &fakeGateway{identify: func(context.Context) (Identification, error) {
		return Identification{}, ErrUnreadable
	}}
	generic := &fakeGateway{identify: func(context.Context) (Identification, error) {
		return Identification{}, errors.New("502 bad gateway")
	}}

	u, err := NewPipeline(unreadable, nil, Options{}).Submit(context.Background(), nil, profileWith())
	require.NoError(t, err)
	g, err := NewPipeline(generic, nil, Options{}).Submit(context.Background(), nil, profileWith())
	require.NoError(t, err)

	require.NotNil(t, u.Failure)
	require.NotNil(t, g.Failure)
	assert.Equal(t, StateError, u.State)
	assert.Equal(t, KindUnreadable, u.Failure.Kind)
	assert.Equal(t, KindGeneric, g.Failure.Kind)
	assert.Equal(t, StageIdentification, u.Failure.Stage)
	assert.NotEqual(t, u.Failure.Title, g.Failure.Title)
	assert.NotEqual(t, u.Failure.Message, g.Failure.Message)
}

func TestInteractionFailureIsNotReportedAsUnreadable(t *testing.T) {
	gw := &fakeGateway{
		identify: identifies("Ibuprofen"),
		check: func(context.Context) (InteractionOutcome, error) {
			// Even a gateway that wrongly reports unreadable here must not
			// surface label wording: the medicine was already read.
			return InteractionOutcome{}, ErrUnreadable
		},
	}
	snap, err := NewPipeline(gw, nil, Options{}).Submit(context.Background(), nil, profileWith("Aspirin"))
	require.NoError(t, err)

	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindGeneric, snap.Failure.Kind)
	assert.Equal(t, StageInteraction, snap.Failure.Stage)
	require.NotNil(t, snap.Failure.Identification)
	assert.Equal(t, "Ibuprofen", snap.Failure.Identification.Name)

	unreadable := newFailure(KindUnreadable, StageIdentification, nil, nil)
	genericIdent := newFailure(KindGeneric, StageIdentification, nil, nil)
	assert.NotEqual(t, unreadable.Title, snap.Failure.Title)
	assert.NotEqual(t, genericIdent.Title, snap.Failure.Title)
	assert.Contains(t, snap.Failure.Message, "Ibuprofen")
}

func TestMalformedOutcomeIsGeneric(t *testing.T) {
	gw := &fakeGateway{
		identify: identifies("Ibuprofen"),
		check: func(context.Context) (InteractionOutcome, error) {
			return InteractionOutcome{HasConflict: true, Severity: "catastrophic"}, nil
		},
	}
	snap, err := NewPipeline(gw, nil, Options{}).Submit(context.Background(), nil, profileWith("Aspirin"))
	require.NoError(t, err)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindGeneric, snap.Failure.Kind)
	assert.Equal(t, StageInteraction, snap.Failure.Stage)
}

func TestStaleRunIsDiscardedAfterReset(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := func(context.Context) (Identification, error) {
		close(entered)
		<-release // ignores cancellation: resolves late on purpose
		return Identification{Name: "Paracetamol"}, nil
	}

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics("test", reg)
	require.NoError(t, err)

	gw := &fakeGateway{identify: slow}
	p := NewPipeline(gw, nil, Options{Metrics: metrics})

	r1Done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), []byte("r1"), profileWith())
		r1Done <- err
	}()
	<-entered
	assert.Equal(t, StateAnalyzing, p.Snapshot().State)

	p.Reset()
	gw.mu.Lock()
	gw.identify = identifies("Ibuprofen")
	gw.mu.Unlock()

	r2, err := p.Submit(context.Background(), []byte("r2"), profileWith())
	require.NoError(t, err)
	require.Equal(t, StateResult, r2.State)

	close(release)
	select {
	case err := <-r1Done:
		assert.ErrorIs(t, err, ErrRunSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned run never returned")
	}

	final := p.Snapshot()
	assert.Equal(t, r2.RunID, final.RunID)
	assert.Equal(t, StateResult, final.State)
	require.NotNil(t, final.Result)
	assert.Equal(t, "Ibuprofen", final.Result.Identification.Name)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stale))
}

func TestResetCancelsInFlightContext(t *testing.T) {
	entered := make(chan struct{})
	gw := &fakeGateway{identify: func(ctx context.Context) (Identification, error) {
		close(entered)
		<-ctx.Done()
		return Identification{}, ctx.Err()
	}}
	p := NewPipeline(gw, nil, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), nil, profileWith())
		done <- err
	}()
	<-entered
	p.Reset()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRunSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not cancel the gateway call")
	}
	assert.Equal(t, StateIdle, p.Snapshot().State)
}

func TestSubmitRequiresResetAfterTerminal(t *testing.T) {
	gw := &fakeGateway{identify: identifies("Ibuprofen")}
	p := NewPipeline(gw, nil, Options{})

	first, err := p.Submit(context.Background(), nil, profileWith())
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), nil, profileWith())
	assert.ErrorIs(t, err, ErrRunActive)

	p.Reset()
	second, err := p.Submit(context.Background(), nil, profileWith())
	require.NoError(t, err)
	assert.Greater(t, second.RunID, first.RunID)
}

func TestTimeoutMapsToGeneric(t *testing.T) {
	gw := &fakeGateway{identify: func(ctx context.Context) (Identification, error) {
		<-ctx.Done()
		return Identification{}, ctx.Err()
	}}
	p := NewPipeline(gw, nil, Options{Timeout: 20 * time.Millisecond})

	snap, err := p.Submit(context.Background(), nil, profileWith())
	require.NoError(t, err)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindGeneric, snap.Failure.Kind)
	assert.ErrorIs(t, snap.Failure.Cause, context.DeadlineExceeded)
}

// gatedConnectivity blocks Reachable until release is closed.
type gatedConnectivity struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedConnectivity) Reachable() bool {
	close(g.entered)
	<-g.release
	return true
}

func TestSubmitDuringConnectivityCheckIsRejected(t *testing.T) {
	conn := &gatedConnectivity{entered: make(chan struct{}), release: make(chan struct{})}
	gw := &fakeGateway{identify: identifies("Ibuprofen")}
	p := NewPipeline(gw, conn, Options{})

	type outcome struct {
		snap Snapshot
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		snap, err := p.Submit(context.Background(), []byte("r1"), profileWith())
		first <- outcome{snap, err}
	}()
	<-conn.entered
	assert.Equal(t, StateIdle, p.Snapshot().State)

	_, err := p.Submit(context.Background(), []byte("r2"), profileWith())
	assert.ErrorIs(t, err, ErrRunActive)

	close(conn.release)
	select {
	case got := <-first:
		require.NoError(t, got.err)
		assert.Equal(t, StateResult, got.snap.State)
	case <-time.After(2 * time.Second):
		t.Fatal("first run never finished")
	}
	identifyCalls, _ := gw.calls()
	assert.Equal(t, 1, identifyCalls)
}
