package scan

import "fmt"

// newFailure builds the user-facing title/message pair for a failure.
// Interaction-stage failures never reuse identification wording: the medicine
// was read, only its conflict status is unknown.
func newFailure(kind ErrorKind, stage Stage, ident *Identification, cause error) *Failure {
	f := &Failure{Kind: kind, Stage: stage, Identification: ident, Cause: cause}
	switch kind {
	case KindNoConnectivity:
		f.Title = "No internet connection"
		f.Message = "Connect to the internet and try the scan again."
	case KindUnreadable:
		f.Title = "Couldn't read the label"
		f.Message = "Try again with better lighting, holding the box steady with the name in focus."
	case KindGeneric:
		if stage == StageInteraction && ident != nil {
			f.Title = "Interaction check unavailable"
			f.Message = fmt.Sprintf("We identified %s but could not check it against your medicines. Ask a pharmacist before taking it together with them.", ident.Name)
		} else {
			f.Title = "Analysis failed"
			f.Message = "Something went wrong while analysing the photo. Please try again."
		}
	}
	return f
}
