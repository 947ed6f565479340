package trigger

// Action is what a rule or prediction asks the engine to do with a message.
type Action string

const (
	ActionSave             Action = "save"
	ActionSearch           Action = "search"
	ActionSaveAndSearch    Action = "save_and_search"
	ActionSummarizeAndSave Action = "summarize_and_save"
	ActionNone             Action = "no_action"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionSave, ActionSearch, ActionSaveAndSearch, ActionSummarizeAndSave, ActionNone:
		return true
	default:
		return false
	}
}

// Saves reports whether the action persists the message.
func (a Action) Saves() bool {
	return a == ActionSave || a == ActionSaveAndSearch || a == ActionSummarizeAndSave
}

// Searches reports whether the action retrieves related memories.
func (a Action) Searches() bool {
	return a == ActionSearch || a == ActionSaveAndSearch
}

// Decision is the outcome of analyzing one message.
type Decision struct {
	ShouldSave   bool     `json:"should_save"`
	ShouldSearch bool     `json:"should_search"`
	Confidence   float64  `json:"confidence"`
	Signals      []string `json:"signals,omitempty"`
}

// Action collapses the decision's flags into a single action.
func (d Decision) Action() Action {
	switch {
	case d.ShouldSave && d.ShouldSearch:
		return ActionSaveAndSearch
	case d.ShouldSave:
		return ActionSave
	case d.ShouldSearch:
		return ActionSearch
	default:
		return ActionNone
	}
}

// Combine merges a deterministic decision with an optional adaptive one.
// Flags are OR-ed, confidence is the maximum and signals keep the deterministic ones first.
// A nil adaptive decision means the adaptive scorer was unavailable and returns det unchanged.
func Combine(det Decision, adaptive *Decision) Decision {
	if adaptive == nil {
		return det
	}
	out := Decision{
		ShouldSave:   det.ShouldSave || adaptive.ShouldSave,
		ShouldSearch: det.ShouldSearch || adaptive.ShouldSearch,
		Confidence:   det.Confidence,
	}
	if adaptive.Confidence > out.Confidence {
		out.Confidence = adaptive.Confidence
	}
	out.Signals = make([]string, 0, len(det.Signals)+len(adaptive.Signals))
	out.Signals = append(out.Signals, det.Signals...)
	out.Signals = append(out.Signals, adaptive.Signals...)
	return out
}
