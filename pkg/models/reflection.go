package models

// ReflectionType classifies what kind of meta-memory a reflection captures.
type ReflectionType string

const (
	ReflectionObservation    ReflectionType = "observation"
	ReflectionCausation      ReflectionType = "causation"
	ReflectionCounterfactual ReflectionType = "counterfactual"
	ReflectionStrategy       ReflectionType = "strategy"
)

// Valid reports whether the reflection type is recognized.
func (t ReflectionType) Valid() bool {
	switch t {
	case ReflectionObservation, ReflectionCausation, ReflectionCounterfactual, ReflectionStrategy:
		return true
	}
	return false
}

// ReflectionCandidate is the in-flight output of one Actor iteration before
// the Evaluator has scored it.
type ReflectionCandidate struct {
	Lesson       string         `json:"lesson"`
	Type         ReflectionType `json:"type"`
	EvidenceRefs []string       `json:"evidence_refs"`
	Iteration    int            `json:"iteration"`
}

// ReflectionScore is the Evaluator's verdict on a candidate. Each criterion
// is in [0,1]; Aggregate is their weighted sum.
type ReflectionScore struct {
	Faithfulness  float64 `json:"faithfulness"`
	Generality    float64 `json:"generality"`
	Novelty       float64 `json:"novelty"`
	Actionability float64 `json:"actionability"`
	Aggregate     float64 `json:"aggregate"`
	Feedback      string  `json:"feedback,omitempty"`
}
