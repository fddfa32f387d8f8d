package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"medicine-scanner/internal/observability"
	"medicine-scanner/internal/storage"
)

var (
	ErrProfileNotFound    = errors.New("profile not found")
	ErrMedicationNotFound = errors.New("medication not found")
	ErrReminderNotFound   = errors.New("reminder not found")
	ErrInvalidName        = errors.New("profile name is required")
	ErrInvalidMedicine    = errors.New("medicine name is required")
	ErrInvalidReminder    = errors.New("reminder needs a medicine name and an HH:MM time")
)

// PersistWarning reports that a mutation was applied in memory but could not
// be written to durable storage. The change stays visible for this session.
type PersistWarning struct {
	Key string
	Err error
}

func (w *PersistWarning) Error() string {
	return fmt.Sprintf("change not saved (%s): %v", w.Key, w.Err)
}

func (w *PersistWarning) Unwrap() error { return w.Err }

// IsPersistWarning reports whether err is a non-fatal persistence warning.
func IsPersistWarning(err error) bool {
	var w *PersistWarning
	return errors.As(err, &w)
}

// ActiveListener is called after the active profile changes or the active
// profile's preferences change. p is nil when no profile is active.
type ActiveListener func(p *Profile)

// persistTimeout bounds a single durable write. Writes are detached from the
// caller's context so an abandoned request cannot drop an applied change.
const persistTimeout = 5 * time.Second

// errUnchanged lets an update function skip the write.
var errUnchanged = errors.New("unchanged")

// Store owns the profile set and every durable mutation of it.
type Store struct {
	mu        sync.Mutex
	kv        storage.KV
	profiles  []Profile
	activeID  string
	listeners []ActiveListener
	log       *observability.Logger

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

func NewStore(kv storage.KV, logger *observability.Logger) *Store {
	return &Store{
		kv:    kv,
		log:   observability.OrNop(logger).Component("profile_store"),
		Now:   time.Now,
		NewID: func() string { return uuid.New().String() },
	}
}

// OnActiveChange registers a reaction to active-profile changes.
func (s *Store) OnActiveChange(l ActiveListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Load restores profiles and the last active id. Missing keys yield an empty
// set and no active profile.
func (s *Store) Load(ctx context.Context) error {
	var profiles []Profile
	raw, ok, err := s.kv.Get(ctx, storage.KeyProfiles)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &profiles); err != nil {
			return fmt.Errorf("decode profiles: %w", err)
		}
	}
	for i := range profiles {
		profiles[i] = profiles[i].Clone()
	}

	var activeID string
	raw, ok, err = s.kv.Get(ctx, storage.KeyActiveProfileID)
	if err != nil {
		return fmt.Errorf("load active profile: %w", err)
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &activeID); err != nil {
			return fmt.Errorf("decode active profile: %w", err)
		}
	}

	s.mu.Lock()
	s.profiles = profiles
	s.activeID = ""
	if indexOf(profiles, activeID) >= 0 {
		s.activeID = activeID
	} else if activeID != "" {
		s.log.Warn("stored active profile no longer exists", "profile_id", activeID)
	}
	active, listeners := s.activeLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("profiles loaded", "count", len(profiles), "active", activeID)
	notify(listeners, active)
	return nil
}

// Profiles returns a copy of every profile in creation order.
func (s *Store) Profiles() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, len(s.profiles))
	for i, p := range s.profiles {
		out[i] = p.Clone()
	}
	return out
}

// Get returns a copy of one profile.
func (s *Store) Get(id string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.profiles, id)
	if i < 0 {
		return Profile{}, ErrProfileNotFound
	}
	return s.profiles[i].Clone(), nil
}

// Active returns a copy of the active profile, or nil when none is selected.
func (s *Store) Active() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// ActiveID returns the active profile id, empty when none.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Create adds a profile with the default voice for languageCode and makes it active.
func (s *Store) Create(ctx context.Context, name, languageCode string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	lang := NormalizeLanguage(languageCode)

	s.mu.Lock()
	p := Profile{
		ID:           s.NewID(),
		Name:         name,
		Color:        colorFor(len(s.profiles)),
		LanguageCode: lang,
		VoiceID:      DefaultVoice(lang),
		Medications:  []MedicineRecord{},
		Reminders:    []Reminder{},
		CreatedAt:    s.Now().UTC().Round(0),
	}
	next := make([]Profile, len(s.profiles), len(s.profiles)+1)
	copy(next, s.profiles)
	s.profiles = append(next, p)
	s.activeID = p.ID

	warn := s.persistProfilesLocked(ctx)
	if err := s.persistActiveLocked(ctx); warn == nil {
		warn = err
	}
	active, listeners := s.activeLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("profile created", "profile_id", p.ID, "language", lang)
	notify(listeners, active)
	return p.ID, warn
}

// Delete removes a profile. Deleting the active profile selects the first
// remaining one, or none when the set is empty.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	i := indexOf(s.profiles, id)
	if i < 0 {
		s.mu.Unlock()
		return ErrProfileNotFound
	}
	next := make([]Profile, 0, len(s.profiles)-1)
	next = append(next, s.profiles[:i]...)
	next = append(next, s.profiles[i+1:]...)
	s.profiles = next

	warn := s.persistProfilesLocked(ctx)
	activeChanged := s.activeID == id
	if activeChanged {
		s.activeID = ""
		if len(next) > 0 {
			s.activeID = next[0].ID
		}
		if err := s.persistActiveLocked(ctx); warn == nil {
			warn = err
		}
	}
	active, listeners := s.activeLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("profile deleted", "profile_id", id)
	if activeChanged {
		notify(listeners, active)
	}
	return warn
}

// SetActive selects a profile; an empty id clears the selection. The choice is
// persisted on its own key, independent of the profile list.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	if id != "" && indexOf(s.profiles, id) < 0 {
		s.mu.Unlock()
		return ErrProfileNotFound
	}
	s.activeID = id
	warn := s.persistActiveLocked(ctx)
	active, listeners := s.activeLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, active)
	return warn
}

// UpdatePreferences changes language and/or voice. A language change without
// an explicit voice re-derives the default voice.
func (s *Store) UpdatePreferences(ctx context.Context, id string, prefs Preferences) (Profile, error) {
	return s.update(ctx, id, true, func(p *Profile) error {
		if prefs.LanguageCode == nil && prefs.VoiceID == nil {
			return errUnchanged
		}
		if prefs.LanguageCode != nil {
			p.LanguageCode = NormalizeLanguage(*prefs.LanguageCode)
			if prefs.VoiceID == nil {
				p.VoiceID = DefaultVoice(p.LanguageCode)
			}
		}
		if prefs.VoiceID != nil {
			voice := strings.TrimSpace(*prefs.VoiceID)
			if voice == "" {
				voice = DefaultVoice(p.LanguageCode)
			}
			p.VoiceID = voice
		}
		return nil
	})
}

// AddMedication appends a medicine unless one with the same name (ignoring
// case) exists, in which case the existing record is returned with added=false.
func (s *Store) AddMedication(ctx context.Context, id, name string) (MedicineRecord, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return MedicineRecord{}, false, ErrInvalidMedicine
	}
	var rec MedicineRecord
	added := false
	_, err := s.update(ctx, id, false, func(p *Profile) error {
		if existing, ok := p.FindMedication(name); ok {
			rec = existing
			return errUnchanged
		}
		rec = MedicineRecord{ID: s.NewID(), Name: name, AddedAt: s.Now().UTC().Round(0)}
		p.Medications = append(p.Medications, rec)
		added = true
		return nil
	})
	return rec, added, err
}

func (s *Store) RemoveMedication(ctx context.Context, id, medID string) error {
	_, err := s.update(ctx, id, false, func(p *Profile) error {
		for i, m := range p.Medications {
			if m.ID == medID {
				p.Medications = append(p.Medications[:i], p.Medications[i+1:]...)
				return nil
			}
		}
		return ErrMedicationNotFound
	})
	return err
}

// AddReminder stores r, assigning an id when r.ID is empty.
func (s *Store) AddReminder(ctx context.Context, id string, r Reminder) (Reminder, error) {
	r.MedicineName = strings.TrimSpace(r.MedicineName)
	r.Dosage = strings.TrimSpace(r.Dosage)
	if r.MedicineName == "" || !ValidTimeOfDay(r.TimeOfDay) {
		return Reminder{}, ErrInvalidReminder
	}
	if r.ID == "" {
		r.ID = s.NewID()
	}
	_, err := s.update(ctx, id, false, func(p *Profile) error {
		p.Reminders = append(p.Reminders, r)
		return nil
	})
	if err != nil && !IsPersistWarning(err) {
		return Reminder{}, err
	}
	return r, err
}

func (s *Store) RemoveReminder(ctx context.Context, id, remID string) error {
	_, err := s.update(ctx, id, false, func(p *Profile) error {
		for i, r := range p.Reminders {
			if r.ID == remID {
				p.Reminders = append(p.Reminders[:i], p.Reminders[i+1:]...)
				return nil
			}
		}
		return ErrReminderNotFound
	})
	return err
}

// update replaces the target profile with a modified copy and persists the
// whole set in one write. The stored profile value is never mutated in place.
func (s *Store) update(ctx context.Context, id string, react bool, fn func(p *Profile) error) (Profile, error) {
	s.mu.Lock()
	i := indexOf(s.profiles, id)
	if i < 0 {
		s.mu.Unlock()
		return Profile{}, ErrProfileNotFound
	}
	updated := s.profiles[i].Clone()
	if err := fn(&updated); err != nil {
		current := s.profiles[i].Clone()
		s.mu.Unlock()
		if errors.Is(err, errUnchanged) {
			return current, nil
		}
		return Profile{}, err
	}

	next := make([]Profile, len(s.profiles))
	copy(next, s.profiles)
	next[i] = updated
	s.profiles = next

	warn := s.persistProfilesLocked(ctx)
	fire := react && s.activeID == id
	active, listeners := s.activeLocked(), s.listenersLocked()
	s.mu.Unlock()

	if fire {
		notify(listeners, active)
	}
	return updated.Clone(), warn
}

func (s *Store) persistProfilesLocked(ctx context.Context) error {
	data, err := json.Marshal(s.profiles)
	if err != nil {
		return &PersistWarning{Key: storage.KeyProfiles, Err: err}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.kv.Set(wctx, storage.KeyProfiles, data); err != nil {
		s.log.Warn("persist profiles failed", "error", err)
		return &PersistWarning{Key: storage.KeyProfiles, Err: err}
	}
	return nil
}

func (s *Store) persistActiveLocked(ctx context.Context) error {
	data, err := json.Marshal(s.activeID)
	if err != nil {
		return &PersistWarning{Key: storage.KeyActiveProfileID, Err: err}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.kv.Set(wctx, storage.KeyActiveProfileID, data); err != nil {
		s.log.Warn("persist active profile failed", "error", err)
		return &PersistWarning{Key: storage.KeyActiveProfileID, Err: err}
	}
	return nil
}

func (s *Store) activeLocked() *Profile {
	i := indexOf(s.profiles, s.activeID)
	if i < 0 {
		return nil
	}
	p := s.profiles[i].Clone()
	return &p
}

func (s *Store) listenersLocked() []ActiveListener {
	out := make([]ActiveListener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func notify(listeners []ActiveListener, active *Profile) {
	for _, l := range listeners {
		var p *Profile
		if active != nil {
			c := active.Clone()
			p = &c
		}
		l(p)
	}
}

func indexOf(profiles []Profile, id string) int {
	if id == "" {
		return -1
	}
	for i, p := range profiles {
		if p.ID == id {
			return i
		}
	}
	return -1
}
