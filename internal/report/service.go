// Package report renders a profile's medicines and reminders as a PDF and
// delivers it to the caregiver chat.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signintech/gopdf"

	"medicine-scanner/internal/observability"
	"medicine-scanner/internal/profile"
)

var ErrNotConfigured = errors.New("caregiver chat is not configured")

type TelegramClient interface {
	SendDocument(chatID int64, fileData []byte, fileName string) error
}

// DefaultFontPaths lists where DejaVuSans usually lives on Debian and Alpine.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

type Service struct {
	tgClient        TelegramClient
	caregiverChatID int64
	log             *observability.Logger

	FontPaths []string
	Now       func() time.Time
}

func NewService(tg TelegramClient, caregiverChatID int64, logger *observability.Logger) *Service {
	return &Service{
		tgClient:        tg,
		caregiverChatID: caregiverChatID,
		log:             observability.OrNop(logger).Component("report"),
		FontPaths:       DefaultFontPaths,
		Now:             time.Now,
	}
}

// SendMedicationReport renders p and sends it as a document.
func (s *Service) SendMedicationReport(ctx context.Context, p profile.Profile) error {
	if s.tgClient == nil || s.caregiverChatID == 0 {
		return ErrNotConfigured
	}
	data, err := s.Render(p)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fileName := fmt.Sprintf("medications_%s_%s.pdf", slug(p.Name), s.Now().Format("20060102"))
	if err := s.tgClient.SendDocument(s.caregiverChatID, data, fileName); err != nil {
		s.log.Error("send report failed", "profile_id", p.ID, "error", err)
		return err
	}
	s.log.Info("report sent", "profile_id", p.ID, "bytes", len(data))
	return nil
}

// Render builds the PDF for p.
func (s *Service) Render(p profile.Profile) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.FontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("failed to load font for PDF, install ttf-dejavu: %w", fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Medication report")
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 12); err != nil {
		return nil, err
	}
	pdf.Cell(nil, fmt.Sprintf("Profile: %s", p.Name))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Date: %s", s.Now().Format("02.01.2006 15:04")))
	pdf.Br(25)

	if err := pdf.SetFont("DejaVu", "", 14); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Medicines:")
	pdf.Br(15)
	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return nil, err
	}
	if len(p.Medications) == 0 {
		pdf.Cell(nil, "- none recorded")
		pdf.Br(15)
	}
	for _, m := range p.Medications {
		writeWrapped(&pdf, fmt.Sprintf("- %s (since %s)", m.Name, m.AddedAt.Format("02.01.2006")))
	}
	pdf.Br(15)

	if err := pdf.SetFont("DejaVu", "", 14); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Reminders:")
	pdf.Br(15)
	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return nil, err
	}
	if len(p.Reminders) == 0 {
		pdf.Cell(nil, "- none scheduled")
		pdf.Br(15)
	}
	for _, r := range p.Reminders {
		line := fmt.Sprintf("- %s %s", r.TimeOfDay, r.MedicineName)
		if r.Dosage != "" {
			line += ", " + r.Dosage
		}
		if !r.Active {
			line += " (paused)"
		}
		writeWrapped(&pdf, line)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func writeWrapped(pdf *gopdf.GoPdf, text string) {
	lines, err := pdf.SplitText(text, 500)
	if err != nil {
		lines = []string{text}
	}
	for _, l := range lines {
		pdf.Cell(nil, l)
		pdf.Br(12)
	}
	pdf.Br(5)
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "profile"
	}
	return b.String()
}
