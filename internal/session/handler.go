package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medicine-scanner/internal/profile"
	"medicine-scanner/internal/scan"
)

const maxUploadSize = 10 << 20

type Handler struct {
	ctrl *Controller
}

func NewHandler(ctrl *Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/session", h.GetSession)

	r.Route("/scan", func(r chi.Router) {
		r.Post("/", h.Scan)
		r.Post("/reset", h.ResetScan)
		r.Post("/add-medication", h.AddToMyMedicines)
		r.Post("/reminder", h.SetReminder)
		r.Post("/speak", h.SpeakResult)
	})

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", h.ListProfiles)
		r.Post("/", h.CreateProfile)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.DeleteProfile)
			r.Post("/activate", h.ActivateProfile)
			r.Patch("/preferences", h.UpdatePreferences)
			r.Post("/medications", h.AddMedication)
			r.Post("/medications/voice", h.DictateMedication)
			r.Delete("/medications/{medID}", h.RemoveMedication)
			r.Post("/reminders", h.AddReminder)
			r.Delete("/reminders/{remID}", h.RemoveReminder)
			r.Post("/report", h.SendReport)
		})
	})
}

type CreateProfileRequest struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

type AddMedicationRequest struct {
	Name string `json:"name"`
}

type AddReminderRequest struct {
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	TimeOfDay    string `json:"time_of_day"`
	Active       *bool  `json:"active,omitempty"`
}

type SetReminderRequest struct {
	Dosage string `json:"dosage"`
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.View())
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	image, ok := readUpload(w, r, "image")
	if !ok {
		return
	}
	// The run outlives a dropped connection; only Reset cancels it.
	snap, err := h.ctrl.Scan(context.WithoutCancel(r.Context()), image)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) ResetScan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Reset())
}

func (h *Handler) AddToMyMedicines(w http.ResponseWriter, r *http.Request) {
	rec, added, err := h.ctrl.AddToMyMedicines(r.Context())
	writeResult(w, err, map[string]any{"medication": rec, "added": added})
}

func (h *Handler) SetReminder(w http.ResponseWriter, r *http.Request) {
	var req SetReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	rem, err := h.ctrl.SetReminder(r.Context(), req.Dosage)
	writeResult(w, err, map[string]any{"reminder": rem})
}

func (h *Handler) SpeakResult(w http.ResponseWriter, r *http.Request) {
	audioData, err := h.ctrl.SpeakResult(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(audioData)
}

func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles":          h.ctrl.Profiles(),
		"active_profile_id": h.ctrl.ActiveProfileID(),
	})
}

func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	p, err := h.ctrl.CreateProfile(r.Context(), req.Name, req.Language)
	if err == nil || profile.IsPersistWarning(err) {
		w.Header().Set("Location", "/api/profiles/"+p.ID)
	}
	writeResultStatus(w, http.StatusCreated, err, map[string]any{"profile": p})
}

func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.DeleteProfile(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, err, map[string]any{"deleted": true})
}

func (h *Handler) ActivateProfile(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.SwitchProfile(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, err, map[string]any{"session": h.ctrl.View()})
}

func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs profile.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	p, err := h.ctrl.UpdatePreferences(r.Context(), chi.URLParam(r, "id"), prefs)
	writeResult(w, err, map[string]any{"profile": p})
}

func (h *Handler) AddMedication(w http.ResponseWriter, r *http.Request) {
	var req AddMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	rec, added, err := h.ctrl.AddMedication(r.Context(), chi.URLParam(r, "id"), req.Name)
	writeResult(w, err, map[string]any{"medication": rec, "added": added})
}

func (h *Handler) DictateMedication(w http.ResponseWriter, r *http.Request) {
	audio, ok := readUpload(w, r, "audio")
	if !ok {
		return
	}
	rec, added, err := h.ctrl.DictateMedication(r.Context(), chi.URLParam(r, "id"), audio)
	writeResult(w, err, map[string]any{"medication": rec, "added": added})
}

func (h *Handler) RemoveMedication(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.RemoveMedication(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "medID"))
	writeResult(w, err, map[string]any{"deleted": true})
}

func (h *Handler) AddReminder(w http.ResponseWriter, r *http.Request) {
	var req AddReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rem, err := h.ctrl.AddReminder(r.Context(), chi.URLParam(r, "id"), profile.Reminder{
		MedicineName: req.MedicineName,
		Dosage:       req.Dosage,
		TimeOfDay:    req.TimeOfDay,
		Active:       active,
	})
	writeResultStatus(w, http.StatusCreated, err, map[string]any{"reminder": rem})
}

func (h *Handler) RemoveReminder(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.RemoveReminder(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "remID"))
	writeResult(w, err, map[string]any{"deleted": true})
}

func (h *Handler) SendReport(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.SendReport(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, err, map[string]any{"sent": true})
}

func readUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return nil, false
	}
	file, _, err := r.FormFile(field)
	if err != nil {
		http.Error(w, "Missing "+field+" file", http.StatusBadRequest)
		return nil, false
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		http.Error(w, "Failed to read "+field+" file", http.StatusInternalServerError)
		return nil, false
	}
	if buf.Len() == 0 {
		http.Error(w, "Empty "+field+" file", http.StatusBadRequest)
		return nil, false
	}
	return buf.Bytes(), true
}

func writeResult(w http.ResponseWriter, err error, body map[string]any) {
	writeResultStatus(w, http.StatusOK, err, body)
}

// writeResultStatus writes body on success. A persistence warning still
// succeeds and is reported in the "warning" field.
func writeResultStatus(w http.ResponseWriter, status int, err error, body map[string]any) {
	if err != nil && !profile.IsPersistWarning(err) {
		writeError(w, err)
		return
	}
	if err != nil {
		body["warning"] = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, profile.ErrProfileNotFound),
		errors.Is(err, profile.ErrMedicationNotFound),
		errors.Is(err, profile.ErrReminderNotFound):
		return http.StatusNotFound
	case errors.Is(err, profile.ErrInvalidName),
		errors.Is(err, profile.ErrInvalidMedicine),
		errors.Is(err, profile.ErrInvalidReminder),
		errors.Is(err, ErrNothingHeard):
		return http.StatusBadRequest
	case errors.Is(err, ErrSelectProfile),
		errors.Is(err, ErrNoResult),
		errors.Is(err, scan.ErrRunActive),
		errors.Is(err, scan.ErrRunSuperseded):
		return http.StatusConflict
	case errors.Is(err, ErrVoiceUnavailable),
		errors.Is(err, ErrReportsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
