package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// State is a pipeline state. Result and Error are terminal for a run.
type State int

const (
	StateIdle State = iota
	StateAnalyzing
	StateCheckingInteractions
	StateResult
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnalyzing:
		return "analyzing"
	case StateCheckingInteractions:
		return "checking_interactions"
	case StateResult:
		return "result"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s ends a run.
func (s State) Terminal() bool { return s == StateResult || s == StateError }

// Severity grades an interaction.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// ParseSeverity accepts the four grades case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityNone:
		return SeverityNone, nil
	case SeverityMild:
		return SeverityMild, nil
	case SeverityModerate:
		return SeverityModerate, nil
	case SeveritySevere:
		return SeveritySevere, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Details is the structured medicine description returned by identification.
// The pipeline carries it through untouched.
type Details struct {
	ActiveIngredient string   `json:"active_ingredient,omitempty"`
	Dosage           string   `json:"dosage,omitempty"`
	Usage            string   `json:"usage,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	SideEffects      []string `json:"side_effects,omitempty"`
}

type Identification struct {
	Name    string  `json:"name"`
	Details Details `json:"details"`
}

type InteractionOutcome struct {
	HasConflict    bool     `json:"has_conflict"`
	Severity       Severity `json:"severity"`
	Explanation    string   `json:"explanation"`
	Recommendation string   `json:"recommendation"`
}

// NoConflict is the outcome used when there is nothing to check against.
func NoConflict() InteractionOutcome {
	return InteractionOutcome{HasConflict: false, Severity: SeverityNone}
}

// AnalysisResult is the ephemeral product of a successful run.
type AnalysisResult struct {
	Identification Identification     `json:"identification"`
	Interaction    InteractionOutcome `json:"interaction"`
}

// ErrorKind is the closed set of pipeline failure kinds.
type ErrorKind int

const (
	KindNoConnectivity ErrorKind = iota + 1
	KindUnreadable
	KindGeneric
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoConnectivity:
		return "no_connectivity"
	case KindUnreadable:
		return "unreadable"
	case KindGeneric:
		return "generic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Stage is where in the run a failure happened.
type Stage int

const (
	StageConnectivity Stage = iota + 1
	StageIdentification
	StageInteraction
)

func (s Stage) String() string {
	switch s {
	case StageConnectivity:
		return "connectivity"
	case StageIdentification:
		return "identification"
	case StageInteraction:
		return "interaction_check"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Failure is the payload of the Error state.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	// Identification is set when the medicine was read but the interaction check failed.
	Identification *Identification `json:"identification,omitempty"`
	Cause          error           `json:"-"`
}

// Snapshot is the observable pipeline state.
type Snapshot struct {
	RunID          uint64          `json:"run_id"`
	State          State           `json:"state"`
	Identification *Identification `json:"identification,omitempty"`
	Result         *AnalysisResult `json:"result,omitempty"`
	Failure        *Failure        `json:"failure,omitempty"`
}

var (
	// ErrUnreadable is returned by a Gateway when the image content could not be
	// parsed as a medicine label.
	ErrUnreadable = errors.New("image is not a readable medicine label")

	ErrNoActiveProfile = errors.New("no active profile")
	ErrRunActive       = errors.New("a scan is already in progress or finished; reset first")
	ErrRunSuperseded   = errors.New("scan was reset before it finished")
)

// Gateway performs identification and interaction checking.
type Gateway interface {
	Identify(ctx context.Context, image []byte, languageHint string) (Identification, error)
	CheckInteractions(ctx context.Context, candidate string, existing []string, languageHint string) (InteractionOutcome, error)
}

// Probe reports network reachability. It is consulted synchronously before every run.
type Probe interface {
	Reachable() bool
}

// Observer receives every applied transition, in order.
type Observer func(Snapshot)
