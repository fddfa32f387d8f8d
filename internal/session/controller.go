// Package session turns UI intents into pipeline and profile-store operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"medicine-scanner/internal/observability"
	"medicine-scanner/internal/profile"
	"medicine-scanner/internal/scan"
)

var (
	ErrSelectProfile    = errors.New("select or create a profile first")
	ErrNoResult         = errors.New("no identified medicine to act on")
	ErrVoiceUnavailable = errors.New("voice features are not configured")
	ErrReportsDisabled  = errors.New("caregiver reports are not configured")
	ErrNothingHeard     = errors.New("no speech recognized")
)

// TTSClient defines the interface for Text-to-Speech
type TTSClient interface {
	Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error)
}

// STTClient defines the interface for Speech-to-Text
type STTClient interface {
	Transcribe(ctx context.Context, audioData []byte, languageHint string) (string, error)
}

// ReportService defines the interface for sending medication reports
type ReportService interface {
	SendMedicationReport(ctx context.Context, p profile.Profile) error
}

type Options struct {
	DefaultReminderTime string
	TTS                 TTSClient
	STT                 STTClient
	Reports             ReportService
	Logger              *observability.Logger
}

// View is the state the UI renders. AlreadyInList is derived on every call.
type View struct {
	Profile       *profile.Profile `json:"profile"`
	Scan          scan.Snapshot    `json:"scan"`
	AlreadyInList bool             `json:"already_in_list"`
	Language      string           `json:"language"`
	VoiceID       string           `json:"voice_id"`
}

// Controller owns the session: one store, one pipeline, and the language and
// voice derived from the active profile.
type Controller struct {
	store       *profile.Store
	pipeline    *scan.Pipeline
	tts         TTSClient
	stt         STTClient
	reports     ReportService
	defaultTime string
	log         *observability.Logger

	mu       sync.RWMutex
	activeID string
	language string
	voiceID  string
}

func NewController(store *profile.Store, pipeline *scan.Pipeline, opts Options) *Controller {
	defaultTime := opts.DefaultReminderTime
	if !profile.ValidTimeOfDay(defaultTime) {
		defaultTime = "08:00"
	}
	c := &Controller{
		store:       store,
		pipeline:    pipeline,
		tts:         opts.TTS,
		stt:         opts.STT,
		reports:     opts.Reports,
		defaultTime: defaultTime,
		log:         observability.OrNop(opts.Logger).Component("session"),
		language:    profile.DefaultLanguage,
		voiceID:     profile.DefaultVoice(profile.DefaultLanguage),
	}
	c.applyActive(store.Active())
	store.OnActiveChange(c.onActiveChange)
	return c
}

// onActiveChange recomputes language and voice. A different active profile
// also abandons the current scan, whose result belongs to the previous one.
func (c *Controller) onActiveChange(p *profile.Profile) {
	if c.applyActive(p) {
		c.pipeline.Reset()
	}
}

func (c *Controller) applyActive(p *profile.Profile) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ""
	c.language = profile.DefaultLanguage
	c.voiceID = profile.DefaultVoice(profile.DefaultLanguage)
	if p != nil {
		id = p.ID
		c.language = p.LanguageCode
		c.voiceID = p.VoiceID
	}
	changed = id != c.activeID
	c.activeID = id
	return changed
}

// SwitchProfile selects id and cancels any scan. The store is updated first so
// a scan admitted after the reset already reads the new profile. Selecting the
// already active profile still starts a fresh scan.
func (c *Controller) SwitchProfile(ctx context.Context, id string) error {
	if _, err := c.store.Get(id); err != nil {
		return err
	}
	same := c.store.ActiveID() == id
	err := c.store.SetActive(ctx, id)
	if err != nil && !profile.IsPersistWarning(err) {
		return err
	}
	if same {
		c.pipeline.Reset()
	}
	return c.logWarning(err, "switch profile")
}

// Scan runs the pipeline for image against the active profile and blocks
// until the run ends.
func (c *Controller) Scan(ctx context.Context, image []byte) (scan.Snapshot, error) {
	snap, err := c.pipeline.Submit(ctx, image, c.store.Active())
	if errors.Is(err, scan.ErrNoActiveProfile) {
		return snap, ErrSelectProfile
	}
	return snap, err
}

func (c *Controller) Reset() scan.Snapshot {
	c.pipeline.Reset()
	return c.pipeline.Snapshot()
}

// AddToMyMedicines records the identified medicine on the active profile.
// A medicine already in the list is returned with added=false.
func (c *Controller) AddToMyMedicines(ctx context.Context) (profile.MedicineRecord, bool, error) {
	p, name, err := c.resultTarget()
	if err != nil {
		return profile.MedicineRecord{}, false, err
	}
	rec, added, err := c.store.AddMedication(ctx, p.ID, name)
	return rec, added, c.logWarning(err, "add medication")
}

// SetReminder schedules the identified medicine at the default time of day.
func (c *Controller) SetReminder(ctx context.Context, dosage string) (profile.Reminder, error) {
	p, name, err := c.resultTarget()
	if err != nil {
		return profile.Reminder{}, err
	}
	r, err := c.store.AddReminder(ctx, p.ID, profile.Reminder{
		MedicineName: name,
		Dosage:       dosage,
		TimeOfDay:    c.defaultTime,
		Active:       true,
	})
	return r, c.logWarning(err, "add reminder")
}

func (c *Controller) View() View {
	c.mu.RLock()
	v := View{Language: c.language, VoiceID: c.voiceID}
	c.mu.RUnlock()

	v.Profile = c.store.Active()
	v.Scan = c.pipeline.Snapshot()
	if v.Profile != nil && v.Scan.Result != nil {
		v.AlreadyInList = v.Profile.HasMedication(v.Scan.Result.Identification.Name)
	}
	return v
}

// SpeakResult reads the current result aloud in the active profile's voice.
func (c *Controller) SpeakResult(ctx context.Context) ([]byte, error) {
	if c.tts == nil {
		return nil, ErrVoiceUnavailable
	}
	snap := c.pipeline.Snapshot()
	if snap.Result == nil {
		return nil, ErrNoResult
	}
	c.mu.RLock()
	voice := c.voiceID
	c.mu.RUnlock()
	return c.tts.Synthesize(ctx, Summary(*snap.Result), voice)
}

// DictateMedication transcribes a spoken medicine name and adds it to profileID.
func (c *Controller) DictateMedication(ctx context.Context, profileID string, audio []byte) (profile.MedicineRecord, bool, error) {
	if c.stt == nil {
		return profile.MedicineRecord{}, false, ErrVoiceUnavailable
	}
	p, err := c.store.Get(profileID)
	if err != nil {
		return profile.MedicineRecord{}, false, err
	}
	text, err := c.stt.Transcribe(ctx, audio, p.LanguageCode)
	if err != nil {
		return profile.MedicineRecord{}, false, fmt.Errorf("transcribe: %w", err)
	}
	name := strings.Trim(strings.TrimSpace(text), ".!?,")
	if name == "" {
		return profile.MedicineRecord{}, false, ErrNothingHeard
	}
	c.log.Info("medicine dictated", "profile_id", profileID, "name", name)
	return c.AddMedication(ctx, profileID, name)
}

// SendReport delivers profileID's medication report to the caregiver.
func (c *Controller) SendReport(ctx context.Context, profileID string) error {
	if c.reports == nil {
		return ErrReportsDisabled
	}
	p, err := c.store.Get(profileID)
	if err != nil {
		return err
	}
	return c.reports.SendMedicationReport(ctx, p)
}

func (c *Controller) Profiles() []profile.Profile { return c.store.Profiles() }

func (c *Controller) ActiveProfileID() string { return c.store.ActiveID() }

func (c *Controller) CreateProfile(ctx context.Context, name, languageCode string) (profile.Profile, error) {
	id, err := c.store.Create(ctx, name, languageCode)
	if err != nil && !profile.IsPersistWarning(err) {
		return profile.Profile{}, err
	}
	p, getErr := c.store.Get(id)
	if getErr != nil {
		return profile.Profile{}, getErr
	}
	return p, c.logWarning(err, "create profile")
}

func (c *Controller) DeleteProfile(ctx context.Context, id string) error {
	return c.logWarning(c.store.Delete(ctx, id), "delete profile")
}

func (c *Controller) UpdatePreferences(ctx context.Context, id string, prefs profile.Preferences) (profile.Profile, error) {
	p, err := c.store.UpdatePreferences(ctx, id, prefs)
	return p, c.logWarning(err, "update preferences")
}

func (c *Controller) AddMedication(ctx context.Context, id, name string) (profile.MedicineRecord, bool, error) {
	rec, added, err := c.store.AddMedication(ctx, id, name)
	return rec, added, c.logWarning(err, "add medication")
}

func (c *Controller) RemoveMedication(ctx context.Context, id, medID string) error {
	return c.logWarning(c.store.RemoveMedication(ctx, id, medID), "remove medication")
}

func (c *Controller) AddReminder(ctx context.Context, id string, r profile.Reminder) (profile.Reminder, error) {
	rem, err := c.store.AddReminder(ctx, id, r)
	return rem, c.logWarning(err, "add reminder")
}

func (c *Controller) RemoveReminder(ctx context.Context, id, remID string) error {
	return c.logWarning(c.store.RemoveReminder(ctx, id, remID), "remove reminder")
}

// resultTarget returns the active profile and the medicine name of the
// current result.
func (c *Controller) resultTarget() (*profile.Profile, string, error) {
	p := c.store.Active()
	if p == nil {
		return nil, "", ErrSelectProfile
	}
	snap := c.pipeline.Snapshot()
	if snap.Result == nil {
		return nil, "", ErrNoResult
	}
	return p, snap.Result.Identification.Name, nil
}

func (c *Controller) logWarning(err error, op string) error {
	if err != nil && profile.IsPersistWarning(err) {
		c.log.Warn("change kept in memory only", "op", op, "error", err)
	}
	return err
}

// Summary is the spoken form of a result.
func Summary(r scan.AnalysisResult) string {
	var b strings.Builder
	b.WriteString(r.Identification.Name)
	b.WriteString(". ")
	o := r.Interaction
	if !o.HasConflict {
		b.WriteString("No known interaction with your medicines.")
		return b.String()
	}
	if sev := string(o.Severity); sev != "" {
		b.WriteString(strings.ToUpper(sev[:1]) + sev[1:] + " interaction.")
	} else {
		b.WriteString("Possible interaction.")
	}
	if o.Explanation != "" {
		b.WriteString(" " + o.Explanation)
	}
	if o.Recommendation != "" {
		b.WriteString(" " + o.Recommendation)
	}
	return b.String()
}
