package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medicine-scanner/internal/profile"
	"medicine-scanner/internal/scan"
	"medicine-scanner/internal/storage"
)

type stubGateway struct {
	name      string
	outcome   scan.InteractionOutcome
	checkCall int
}

func (g *stubGateway) Identify(ctx context.Context, image []byte, lang string) (scan.Identification, error) {
	if g.name == "" {
		return scan.Identification{}, scan.ErrUnreadable
	}
	return scan.Identification{Name: g.name}, nil
}

func (g *stubGateway) CheckInteractions(ctx context.Context, candidate string, existing []string, lang string) (scan.InteractionOutcome, error) {
	g.checkCall++
	return g.outcome, nil
}

// heldGateway blocks Identify until release is closed.
type heldGateway struct {
	stubGateway
	entered chan string
	release chan struct{}
}

func (g *heldGateway) Identify(ctx context.Context, image []byte, lang string) (scan.Identification, error) {
	g.entered <- lang
	<-g.release
	return g.stubGateway.Identify(ctx, image, lang)
}

type stubTTS struct {
	text, voice string
}

func (s *stubTTS) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	s.text, s.voice = text, voiceID
	return []byte("mp3"), nil
}

type stubSTT struct {
	text string
	lang string
}

func (s *stubSTT) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	s.lang = lang
	return s.text, nil
}

type stubReports struct {
	sent []string
}

func (s *stubReports) SendMedicationReport(ctx context.Context, p profile.Profile) error {
	s.sent = append(s.sent, p.Name)
	return nil
}

type fixture struct {
	kv    *storage.Memory
	store *profile.Store
	gw    *stubGateway
	ctrl  *Controller
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	kv := storage.NewMemory()
	store := profile.NewStore(kv, nil)
	require.NoError(t, store.Load(context.Background()))
	gw := &stubGateway{name: "Ibuprofen", outcome: scan.InteractionOutcome{HasConflict: true, Severity: scan.SeverityModerate, Explanation: "Both thin the blood."}}
	pipeline := scan.NewPipeline(gw, nil, scan.Options{})
	return &fixture{kv: kv, store: store, gw: gw, ctrl: NewController(store, pipeline, opts)}
}

func (f *fixture) createAmina(t *testing.T) profile.Profile {
	t.Helper()
	ctx := context.Background()
	p, err := f.ctrl.CreateProfile(ctx, "Amina", "ar")
	require.NoError(t, err)
	_, _, err = f.ctrl.AddMedication(ctx, p.ID, "Aspirin")
	require.NoError(t, err)
	return p
}

func TestScanWithoutProfileAsksForSelection(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.ctrl.Scan(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrSelectProfile)
	assert.Equal(t, scan.StateIdle, f.ctrl.View().Scan.State)
}

func TestScanThenAddToMyMedicines(t *testing.T) {
	f := newFixture(t, Options{})
	amina := f.createAmina(t)
	ctx := context.Background()

	snap, err := f.ctrl.Scan(ctx, []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, scan.StateResult, snap.State)

	view := f.ctrl.View()
	assert.False(t, view.AlreadyInList)
	assert.Len(t, view.Profile.Medications, 1, "a scan never mutates the medication list")

	rec, added, err := f.ctrl.AddToMyMedicines(ctx)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "Ibuprofen", rec.Name)
	assert.True(t, f.ctrl.View().AlreadyInList)

	_, added, err = f.ctrl.AddToMyMedicines(ctx)
	require.NoError(t, err)
	assert.False(t, added)

	p, err := f.store.Get(amina.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Aspirin", "Ibuprofen"}, p.MedicationNames())
}

func TestAlreadyInListIgnoresCase(t *testing.T) {
	f := newFixture(t, Options{})
	f.gw.name = "ASPIRIN"
	f.createAmina(t)

	_, err := f.ctrl.Scan(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.True(t, f.ctrl.View().AlreadyInList)
}

func TestActionsNeedResult(t *testing.T) {
	f := newFixture(t, Options{})
	f.createAmina(t)

	_, _, err := f.ctrl.AddToMyMedicines(context.Background())
	assert.ErrorIs(t, err, ErrNoResult)
	_, err = f.ctrl.SetReminder(context.Background(), "1 tablet")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestSetReminderUsesDefaultTime(t *testing.T) {
	f := newFixture(t, Options{DefaultReminderTime: "07:30"})
	amina := f.createAmina(t)
	_, err := f.ctrl.Scan(context.Background(), []byte("img"))
	require.NoError(t, err)

	rem, err := f.ctrl.SetReminder(context.Background(), "200 mg")
	require.NoError(t, err)
	assert.Equal(t, "Ibuprofen", rem.MedicineName)
	assert.Equal(t, "200 mg", rem.Dosage)
	assert.Equal(t, "07:30", rem.TimeOfDay)
	assert.True(t, rem.Active)

	p, _ := f.store.Get(amina.ID)
	assert.Len(t, p.Reminders, 1)
}

func TestSwitchProfileClearsResult(t *testing.T) {
	f := newFixture(t, Options{})
	amina := f.createAmina(t)
	omar, err := f.ctrl.CreateProfile(context.Background(), "Omar", "fr")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.SwitchProfile(context.Background(), amina.ID))

	_, err = f.ctrl.Scan(context.Background(), []byte("img"))
	require.NoError(t, err)

	require.NoError(t, f.ctrl.SwitchProfile(context.Background(), omar.ID))
	view := f.ctrl.View()
	assert.Equal(t, scan.StateIdle, view.Scan.State)
	assert.Nil(t, view.Scan.Result)
	assert.Equal(t, "fr", view.Language)
	assert.Equal(t, profile.DefaultVoice("fr"), view.VoiceID)

	assert.ErrorIs(t, f.ctrl.SwitchProfile(context.Background(), "missing"), profile.ErrProfileNotFound)
}

func TestSwitchDuringScanDropsOldProfileRun(t *testing.T) {
	ctx := context.Background()
	store := profile.NewStore(storage.NewMemory(), nil)
	require.NoError(t, store.Load(ctx))
	gw := &heldGateway{
		stubGateway: stubGateway{name: "Ibuprofen", outcome: scan.NoConflict()},
		entered:     make(chan string, 2),
		release:     make(chan struct{}),
	}
	ctrl := NewController(store, scan.NewPipeline(gw, nil, scan.Options{}), Options{})

	amina, err := ctrl.CreateProfile(ctx, "Amina", "ar")
	require.NoError(t, err)
	omar, err := ctrl.CreateProfile(ctx, "Omar", "fr")
	require.NoError(t, err)
	require.NoError(t, ctrl.SwitchProfile(ctx, amina.ID))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Scan(ctx, []byte("img"))
		done <- err
	}()
	assert.Equal(t, "ar", <-gw.entered)

	require.NoError(t, ctrl.SwitchProfile(ctx, omar.ID))
	close(gw.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, scan.ErrRunSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("scan never returned")
	}

	view := ctrl.View()
	require.NotNil(t, view.Profile)
	assert.Equal(t, omar.ID, view.Profile.ID)
	assert.Equal(t, "fr", view.Language)
	assert.Equal(t, scan.StateIdle, view.Scan.State)
	assert.Nil(t, view.Scan.Result)

	snap, err := ctrl.Scan(ctx, []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, scan.StateResult, snap.State)
	assert.Equal(t, "fr", <-gw.entered)
}

func TestDeletingActiveProfileResetsScan(t *testing.T) {
	f := newFixture(t, Options{})
	f.createAmina(t)
	second, err := f.ctrl.CreateProfile(context.Background(), "Omar", "en")
	require.NoError(t, err)

	_, err = f.ctrl.Scan(context.Background(), []byte("img"))
	require.NoError(t, err)
	require.NoError(t, f.ctrl.DeleteProfile(context.Background(), second.ID))

	view := f.ctrl.View()
	assert.Equal(t, "Amina", view.Profile.Name)
	assert.Equal(t, scan.StateIdle, view.Scan.State)
}

func TestPreferenceChangeUpdatesVoice(t *testing.T) {
	f := newFixture(t, Options{})
	amina := f.createAmina(t)

	voice := profile.VoiceJosh
	_, err := f.ctrl.UpdatePreferences(context.Background(), amina.ID, profile.Preferences{VoiceID: &voice})
	require.NoError(t, err)
	assert.Equal(t, profile.VoiceJosh, f.ctrl.View().VoiceID)
	assert.Equal(t, "ar", f.ctrl.View().Language)
}

func TestSpeakResultUsesProfileVoice(t *testing.T) {
	tts := &stubTTS{}
	f := newFixture(t, Options{TTS: tts})
	f.createAmina(t)

	_, err := f.ctrl.SpeakResult(context.Background())
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = f.ctrl.Scan(context.Background(), []byte("img"))
	require.NoError(t, err)
	audio, err := f.ctrl.SpeakResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mp3", string(audio))
	assert.Equal(t, profile.DefaultVoice("ar"), tts.voice)
	assert.Equal(t, "Ibuprofen. Moderate interaction. Both thin the blood.", tts.text)
}

func TestVoiceFeaturesDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	amina := f.createAmina(t)

	_, err := f.ctrl.SpeakResult(context.Background())
	assert.ErrorIs(t, err, ErrVoiceUnavailable)
	_, _, err = f.ctrl.DictateMedication(context.Background(), amina.ID, []byte("wav"))
	assert.ErrorIs(t, err, ErrVoiceUnavailable)
	assert.ErrorIs(t, f.ctrl.SendReport(context.Background(), amina.ID), ErrReportsDisabled)
}

func TestDictateMedication(t *testing.T) {
	stt := &stubSTT{text: " Paracetamol. "}
	f := newFixture(t, Options{STT: stt})
	amina := f.createAmina(t)

	rec, added, err := f.ctrl.DictateMedication(context.Background(), amina.ID, []byte("wav"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "Paracetamol", rec.Name)
	assert.Equal(t, "ar", stt.lang)

	stt.text = "  "
	_, _, err = f.ctrl.DictateMedication(context.Background(), amina.ID, []byte("wav"))
	assert.ErrorIs(t, err, ErrNothingHeard)
}

func TestSendReport(t *testing.T) {
	reports := &stubReports{}
	f := newFixture(t, Options{Reports: reports})
	amina := f.createAmina(t)

	require.NoError(t, f.ctrl.SendReport(context.Background(), amina.ID))
	assert.Equal(t, []string{"Amina"}, reports.sent)
	assert.ErrorIs(t, f.ctrl.SendReport(context.Background(), "missing"), profile.ErrProfileNotFound)
}

func TestPersistWarningKeepsChange(t *testing.T) {
	f := newFixture(t, Options{})
	amina := f.createAmina(t)
	_, err := f.ctrl.Scan(context.Background(), []byte("img"))
	require.NoError(t, err)

	f.kv.FailWrites = errors.New("disk full")
	_, added, err := f.ctrl.AddToMyMedicines(context.Background())
	require.Error(t, err)
	assert.True(t, profile.IsPersistWarning(err))
	assert.True(t, added)

	p, _ := f.store.Get(amina.ID)
	assert.True(t, p.HasMedication("Ibuprofen"))
	assert.Equal(t, scan.StateResult, f.ctrl.View().Scan.State, "a storage failure does not disturb the scan")
}

func TestSummaryWithoutConflict(t *testing.T) {
	got := Summary(scan.AnalysisResult{
		Identification: scan.Identification{Name: "Aspirin"},
		Interaction:    scan.NoConflict(),
	})
	assert.Equal(t, "Aspirin. No known interaction with your medicines.", got)
}
