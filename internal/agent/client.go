package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"medicine-scanner/internal/scan"
)

// visionClient talks to an OpenAI-compatible chat completions API.
type visionClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type VisionConfig struct {
	APIKey  string
	BaseURL string // e.g. https://api.openai.com/v1
	Model   string
	Timeout time.Duration
}

// NewVisionClient returns a scan.Gateway backed by a vision-capable chat model.
func NewVisionClient(cfg VisionConfig) scan.Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &visionClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

const identifyPrompt = `You identify medicines from photos of their packaging, blister or label.
Reply with a single JSON object and nothing else:
{"readable": bool, "name": string, "active_ingredient": string, "dosage": string, "usage": string, "warnings": [string], "side_effects": [string]}
Set "readable" to false when the photo does not show a legible medicine label.
Write every text field in %s.`

const interactionPrompt = `You check drug interactions.
Candidate medicine: %s
Medicines already taken: %s
Reply with a single JSON object and nothing else:
{"has_conflict": bool, "severity": "none"|"mild"|"moderate"|"severe", "explanation": string, "recommendation": string}
Write the text fields in %s.`

type identifyReply struct {
	Readable         *bool    `json:"readable"`
	Name             string   `json:"name"`
	ActiveIngredient string   `json:"active_ingredient"`
	Dosage           string   `json:"dosage"`
	Usage            string   `json:"usage"`
	Warnings         []string `json:"warnings"`
	SideEffects      []string `json:"side_effects"`
}

type interactionReply struct {
	HasConflict    bool   `json:"has_conflict"`
	Severity       string `json:"severity"`
	Explanation    string `json:"explanation"`
	Recommendation string `json:"recommendation"`
}

// Identify sends the photo and maps an unreadable label to scan.ErrUnreadable.
func (c *visionClient) Identify(ctx context.Context, image []byte, languageHint string) (scan.Identification, error) {
	if len(image) == 0 {
		return scan.Identification{}, scan.ErrUnreadable
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(image), base64.StdEncoding.EncodeToString(image))

	msgs := []chatMessage{
		{Role: "system", Content: fmt.Sprintf(identifyPrompt, languageName(languageHint))},
		{Role: "user", Content: []contentPart{
			{Type: "text", Text: "Identify this medicine."},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		}},
	}

	var reply identifyReply
	if err := c.complete(ctx, msgs, &reply); err != nil {
		return scan.Identification{}, fmt.Errorf("identify: %w", err)
	}
	if (reply.Readable != nil && !*reply.Readable) || strings.TrimSpace(reply.Name) == "" {
		return scan.Identification{}, scan.ErrUnreadable
	}

	return scan.Identification{
		Name: strings.TrimSpace(reply.Name),
		Details: scan.Details{
			ActiveIngredient: reply.ActiveIngredient,
			Dosage:           reply.Dosage,
			Usage:            reply.Usage,
			Warnings:         reply.Warnings,
			SideEffects:      reply.SideEffects,
		},
	}, nil
}

// CheckInteractions asks for the conflict risk of candidate against existing.
func (c *visionClient) CheckInteractions(ctx context.Context, candidate string, existing []string, languageHint string) (scan.InteractionOutcome, error) {
	msgs := []chatMessage{
		{Role: "user", Content: fmt.Sprintf(interactionPrompt, candidate, strings.Join(existing, ", "), languageName(languageHint))},
	}

	var reply interactionReply
	if err := c.complete(ctx, msgs, &reply); err != nil {
		return scan.InteractionOutcome{}, fmt.Errorf("interaction check: %w", err)
	}
	sev := scan.SeverityNone
	var err error
	if reply.HasConflict || strings.TrimSpace(reply.Severity) != "" {
		sev, err = scan.ParseSeverity(reply.Severity)
	}
	if err != nil {
		return scan.InteractionOutcome{}, fmt.Errorf("interaction check: %w", err)
	}
	return scan.InteractionOutcome{
		HasConflict:    reply.HasConflict,
		Severity:       sev,
		Explanation:    reply.Explanation,
		Recommendation: reply.Recommendation,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete runs one chat completion and decodes the model's JSON answer into out.
func (c *visionClient) complete(ctx context.Context, msgs []chatMessage, out any) error {
	reqBody := chatRequest{
		Model:          c.model,
		Messages:       msgs,
		Temperature:    0,
		ResponseFormat: map[string]any{"type": "json_object"},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("AI API error: %s - %s", resp.Status, string(body))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	if len(cr.Choices) == 0 {
		return fmt.Errorf("completion has no choices")
	}
	return decodeModelJSON(cr.Choices[0].Message.Content, out)
}

// decodeModelJSON tolerates markdown fences, trailing commas and similar
// damage models put into JSON answers.
func decodeModelJSON(content string, out any) error {
	content = stripFences(content)
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return fmt.Errorf("malformed model output: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("malformed model output: %w", err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var languageNames = map[string]string{
	"en": "English",
	"fr": "French",
	"es": "Spanish",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ar": "Arabic",
	"ru": "Russian",
	"tr": "Turkish",
	"hi": "Hindi",
	"zh": "Chinese",
	"ja": "Japanese",
}

func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return "English"
}
