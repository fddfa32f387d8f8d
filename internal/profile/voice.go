package profile

import "strings"

// Premade ElevenLabs voices. The multilingual model speaks every supported
// language with any of them; the table only fixes a stable default per language.
const (
	VoiceRachel = "21m00Tcm4TlvDq8ikWAM"
	VoiceAdam   = "pNInz6obpgDQGcFmaJgB"
	VoiceAntoni = "ErXwobaYiN019PkySvjV"
	VoiceBella  = "EXAVITQu4vr4xnSDxMaL"
	VoiceJosh   = "TxGEqnHWrfWFTfGW9XjX"
	VoiceArnold = "VR6AewLTigWG4xSOukaG"
	VoiceDomi   = "AZnzlk1XvdvUeBnXmlld"
	VoiceElli   = "MF3mGyEYCl7XYWbV9V6O"
)

const DefaultLanguage = "en"

var defaultVoices = map[string]string{
	"en": VoiceRachel,
	"fr": VoiceAntoni,
	"es": VoiceBella,
	"de": VoiceArnold,
	"it": VoiceDomi,
	"pt": VoiceElli,
	"ar": VoiceAdam,
	"ru": VoiceJosh,
	"tr": VoiceAdam,
	"hi": VoiceBella,
	"zh": VoiceElli,
	"ja": VoiceDomi,
}

// NormalizeLanguage reduces a locale tag ("fr-FR", "pt_BR") to its lowercase
// primary subtag. Empty input yields DefaultLanguage.
func NormalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	if code == "" {
		return DefaultLanguage
	}
	return code
}

// DefaultVoice returns the voice assigned to new profiles speaking languageCode.
// Unknown languages get the English default.
func DefaultVoice(languageCode string) string {
	if v, ok := defaultVoices[NormalizeLanguage(languageCode)]; ok {
		return v
	}
	return defaultVoices[DefaultLanguage]
}
