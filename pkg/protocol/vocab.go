package protocol

import (
	"strconv"
	"strings"
)

// SessionStatus is the lifecycle state persisted on a session row.
type SessionStatus string

// Session status constants. in_progress is the only non-terminal state.
const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further mutation is accepted.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PhaseName is one of the fixed development phases.
type PhaseName string

// Standard development phases.
const (
	PhaseRequirementsAnalysis  PhaseName = "requirements_analysis"
	PhaseDesignPlanning        PhaseName = "design_planning"
	PhaseInitialImplementation PhaseName = "initial_implementation"
	PhaseAIAssistedCoding      PhaseName = "ai_assisted_coding"
	PhaseDebugging             PhaseName = "debugging"
	PhaseTesting               PhaseName = "testing"
	PhaseRefactoring           PhaseName = "refactoring"
	PhaseDocumentation         PhaseName = "documentation"
	PhaseCompletion            PhaseName = "completion"
)

// Phases returns the phase vocabulary in canonical order.
func Phases() []PhaseName {
	return []PhaseName{
		PhaseRequirementsAnalysis,
		PhaseDesignPlanning,
		PhaseInitialImplementation,
		PhaseAIAssistedCoding,
		PhaseDebugging,
		PhaseTesting,
		PhaseRefactoring,
		PhaseDocumentation,
		PhaseCompletion,
	}
}

// Description returns a one-line description of the phase.
func (p PhaseName) Description() string {
	switch p {
	case PhaseRequirementsAnalysis:
		return "Understanding requirements and acceptance criteria"
	case PhaseDesignPlanning:
		return "Planning implementation approach and architecture"
	case PhaseInitialImplementation:
		return "Writing initial code structure"
	case PhaseAIAssistedCoding:
		return "Using the assistant for code generation and improvements"
	case PhaseDebugging:
		return "Identifying and fixing bugs"
	case PhaseTesting:
		return "Writing and running tests"
	case PhaseRefactoring:
		return "Improving code quality and structure"
	case PhaseDocumentation:
		return "Writing documentation and comments"
	case PhaseCompletion:
		return "Final validation and cleanup"
	default:
		return ""
	}
}

// Valid reports whether p is in the phase vocabulary.
func (p PhaseName) Valid() bool { return p.Description() != "" }

// ParsePhase normalizes and validates a phase name.
func ParsePhase(s string) (PhaseName, error) {
	p := PhaseName(normalize(s))
	if !p.Valid() {
		return "", NewValidation("phase", s, "unknown phase name")
	}
	return p, nil
}

// InteractionType classifies a prompt/response cycle.
type InteractionType string

// Interaction types.
const (
	InteractionCodeGeneration InteractionType = "code_generation"
	InteractionExplanation    InteractionType = "explanation"
	InteractionDebug          InteractionType = "debug"
	InteractionRefactor       InteractionType = "refactor"
)

// Valid reports whether t is a known interaction type.
func (t InteractionType) Valid() bool {
	switch t {
	case InteractionCodeGeneration, InteractionExplanation, InteractionDebug, InteractionRefactor:
		return true
	default:
		return false
	}
}

// ParseInteractionType normalizes and validates; empty means code_generation.
func ParseInteractionType(s string) (InteractionType, error) {
	if strings.TrimSpace(s) == "" {
		return InteractionCodeGeneration, nil
	}
	t := InteractionType(normalize(s))
	if !t.Valid() {
		return "", NewValidation("interaction type", s, "unknown interaction type")
	}
	return t, nil
}

// TestCaseType is the kind of task a session evaluates.
type TestCaseType string

// Test case types.
const (
	TestCaseBugFix      TestCaseType = "bug_fix"
	TestCaseNewFeature  TestCaseType = "new_feature"
	TestCaseRefactoring TestCaseType = "refactoring"
)

// TestCaseTypes returns the test case vocabulary.
func TestCaseTypes() []TestCaseType {
	return []TestCaseType{TestCaseBugFix, TestCaseNewFeature, TestCaseRefactoring}
}

// Valid reports whether t is a known test case type.
func (t TestCaseType) Valid() bool {
	switch t {
	case TestCaseBugFix, TestCaseNewFeature, TestCaseRefactoring:
		return true
	default:
		return false
	}
}

// ParseTestCaseType normalizes and validates a test case type.
func ParseTestCaseType(s string) (TestCaseType, error) {
	t := TestCaseType(normalize(s))
	if !t.Valid() {
		return "", NewValidation("test case type", s, "must be one of bug_fix, new_feature, refactoring")
	}
	return t, nil
}

// ChangeKind is the kind of file-system change a CodeChange records.
type ChangeKind string

// Change kinds.
const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
	ChangeRename ChangeKind = "rename"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeModify, ChangeDelete, ChangeRename:
		return true
	default:
		return false
	}
}

// ParseChangeKind normalizes and validates a change kind.
func ParseChangeKind(s string) (ChangeKind, error) {
	k := ChangeKind(normalize(s))
	if !k.Valid() {
		return "", NewValidation("change kind", s, "must be one of create, modify, delete, rename")
	}
	return k, nil
}

// MergeKind folds the kind of a coalesced notification into an existing
// row's kind: a delete wins, a create or rename keeps its kind, anything else
// takes the newer kind.
func MergeKind(prev, next ChangeKind) ChangeKind {
	switch {
	case next == ChangeDelete:
		return ChangeDelete
	case prev == ChangeCreate || prev == ChangeRename:
		return prev
	default:
		return next
	}
}

// MeasurementPoint says when a quality snapshot was taken.
type MeasurementPoint string

// Measurement points.
const (
	MeasurementBaseline   MeasurementPoint = "baseline"
	MeasurementCompletion MeasurementPoint = "completion"
)

// Valid reports whether m is a known measurement point.
func (m MeasurementPoint) Valid() bool {
	return m == MeasurementBaseline || m == MeasurementCompletion
}

// ParseMeasurementPoint normalizes and validates a measurement point.
func ParseMeasurementPoint(s string) (MeasurementPoint, error) {
	m := MeasurementPoint(normalize(s))
	if !m.Valid() {
		return "", NewValidation("measurement point", s, "must be baseline or completion")
	}
	return m, nil
}

// NormalizeTool trims and lower-cases a tool identifier.
func NormalizeTool(s string) (string, error) {
	t := normalize(s)
	if t == "" {
		return "", NewValidation("tool", s, "must not be empty")
	}
	return t, nil
}

// ValidateRating checks a 1-5 rating. nil is "unset" and always valid.
func ValidateRating(field string, r *int) error {
	if r == nil {
		return nil
	}
	if *r < 1 || *r > 5 {
		return NewValidation(field, strconv.Itoa(*r), "must be between 1 and 5")
	}
	return nil
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "-", "_")
}
