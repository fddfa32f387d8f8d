// Package reminder delivers due dosage reminders to the caregiver chat.
package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medicine-scanner/internal/observability"
	"medicine-scanner/internal/profile"
)

// everyMinute is the tick schedule; reminders have minute resolution.
const everyMinute = "* * * * *"

type Notifier interface {
	SendMessage(chatID int64, text string) error
}

// ProfileSource is satisfied by *profile.Store.
type ProfileSource interface {
	Profiles() []profile.Profile
}

// Dispatcher fires each active reminder once per day at its time of day.
type Dispatcher struct {
	profiles ProfileSource
	notifier Notifier
	chatID   int64
	cron     *cron.Cron
	log      *observability.Logger

	mu   sync.Mutex
	sent map[string]string // reminder id -> date last fired

	stopOnce sync.Once
	Now      func() time.Time
}

func NewDispatcher(src ProfileSource, notifier Notifier, chatID int64, logger *observability.Logger) *Dispatcher {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Dispatcher{
		profiles: src,
		notifier: notifier,
		chatID:   chatID,
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		log:      observability.OrNop(logger).Component("reminders"),
		sent:     make(map[string]string),
		Now:      time.Now,
	}
}

// Start schedules the minute tick and stops it when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.cron.AddFunc(everyMinute, func() { d.Tick(d.Now()) }); err != nil {
		return fmt.Errorf("schedule reminders: %w", err)
	}
	d.cron.Start()
	d.log.Info("reminder dispatcher started")

	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

// Stop waits for a running tick to finish. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		<-d.cron.Stop().Done()
		d.log.Info("reminder dispatcher stopped")
	})
}

// Tick sends every active reminder due at now's HH:MM that has not fired
// today, and returns how many were sent.
func (d *Dispatcher) Tick(now time.Time) int {
	hhmm := now.Format("15:04")
	date := now.Format("2006-01-02")

	sent := 0
	for _, p := range d.profiles.Profiles() {
		for _, r := range p.Reminders {
			if !r.Active || r.TimeOfDay != hhmm || !d.claim(r.ID, date) {
				continue
			}
			if err := d.notifier.SendMessage(d.chatID, Message(p, r)); err != nil {
				d.release(r.ID, date)
				d.log.Warn("reminder delivery failed", "profile_id", p.ID, "reminder_id", r.ID, "error", err)
				continue
			}
			sent++
			d.log.Info("reminder sent", "profile_id", p.ID, "reminder_id", r.ID, "medicine", r.MedicineName)
		}
	}
	d.prune(date)
	return sent
}

// Message is the text delivered for r.
func Message(p profile.Profile, r profile.Reminder) string {
	msg := fmt.Sprintf("⏰ %s: time to take %s", p.Name, r.MedicineName)
	if r.Dosage != "" {
		msg += " (" + r.Dosage + ")"
	}
	return msg
}

func (d *Dispatcher) claim(id, date string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent[id] == date {
		return false
	}
	d.sent[id] = date
	return true
}

func (d *Dispatcher) release(id, date string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent[id] == date {
		delete(d.sent, id)
	}
}

// prune forgets reminders fired on earlier days.
func (d *Dispatcher) prune(today string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, date := range d.sent {
		if date != today {
			delete(d.sent, id)
		}
	}
}
