// Package prompt builds provider-shaped prompts and attaches task-specific
// reasoning instructions to them.
package prompt

import (
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Phase is one step of the structured reasoning a provider is asked to show.
type Phase string

const (
	PhaseProblemUnderstanding Phase = "problem_understanding"
	PhaseInformationGathering Phase = "information_gathering"
	PhaseApproachSelection    Phase = "approach_selection"
	PhaseStepByStep           Phase = "step_by_step_reasoning"
	PhaseVerification         Phase = "verification"
	PhaseConclusion           Phase = "conclusion"
)

var phaseDescriptions = map[Phase]string{
	PhaseProblemUnderstanding: "Restate the problem and identify what is being asked.",
	PhaseInformationGathering: "List the relevant facts, sources, or data you will rely on.",
	PhaseApproachSelection:    "Choose an approach and say briefly why it fits.",
	PhaseStepByStep:           "Work through the solution one step at a time.",
	PhaseVerification:         "Check the result for errors, gaps, and edge cases.",
	PhaseConclusion:           "Give the final answer.",
}

// Description returns the instruction rendered for the phase.
func (p Phase) Description() string { return phaseDescriptions[p] }

// PhaseMarkerPrefix starts every phase heading in provider output.
const PhaseMarkerPrefix = "[PHASE: "

// Marker renders the heading a provider is asked to emit for the phase.
func (p Phase) Marker() string { return PhaseMarkerPrefix + string(p) + "]" }

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(s)
	_, ok := phaseDescriptions[p]
	return p, ok
}

const (
	// instructionMarker opens every thinking instruction; its presence in a
	// system message means the instruction was already merged.
	instructionMarker = "[THINKING MODE]"
	// phaseBlockMarker opens the phase block appended to the user message.
	phaseBlockMarker = "[REASONING PHASES]"
)

// ThinkingSpec is the reasoning guidance attached to one request.
type ThinkingSpec struct {
	TaskType    types.TaskType
	Instruction string
	Phases      []Phase
}

// Empty reports whether s adds nothing to a prompt.
func (s ThinkingSpec) Empty() bool {
	return s.Instruction == "" && len(s.Phases) == 0
}

type Options struct {
	// Disabled returns an empty spec.
	Disabled bool
	// OmitPhases keeps the instruction but drops the phase block.
	OmitPhases bool
}

var taskInstructions = map[types.TaskType]string{
	types.TaskGeneral:         "Answer clearly and directly. Think the request through before responding.",
	types.TaskResearch:        "Show step-by-step reasoning and cite your sources. Separate established facts from speculation.",
	types.TaskCode:            "Reason about requirements and edge cases before writing code. Return complete, runnable code in fenced blocks.",
	types.TaskReasoning:       "Reason rigorously. Make every assumption explicit and justify each inference.",
	types.TaskCreative:        "Explore a few ideas before committing to one. Favor originality and a consistent voice.",
	types.TaskDataAnalysis:    "Describe the data, state the method, and quantify results. Call out limitations of the analysis.",
	types.TaskDomainExpertise: "Answer as a careful domain expert. Note where professional advice is needed and state uncertainty plainly.",
}

var taskPhases = map[types.TaskType][]Phase{
	types.TaskGeneral: {
		PhaseProblemUnderstanding, PhaseApproachSelection, PhaseConclusion,
	},
	types.TaskResearch: {
		PhaseProblemUnderstanding, PhaseInformationGathering, PhaseStepByStep, PhaseVerification, PhaseConclusion,
	},
	types.TaskCode: {
		PhaseProblemUnderstanding, PhaseApproachSelection, PhaseStepByStep, PhaseVerification, PhaseConclusion,
	},
	types.TaskReasoning: {
		PhaseProblemUnderstanding, PhaseInformationGathering, PhaseApproachSelection, PhaseStepByStep, PhaseVerification, PhaseConclusion,
	},
	types.TaskCreative: {
		PhaseProblemUnderstanding, PhaseApproachSelection, PhaseConclusion,
	},
	types.TaskDataAnalysis: {
		PhaseProblemUnderstanding, PhaseInformationGathering, PhaseStepByStep, PhaseVerification, PhaseConclusion,
	},
	types.TaskDomainExpertise: {
		PhaseProblemUnderstanding, PhaseInformationGathering, PhaseApproachSelection, PhaseVerification, PhaseConclusion,
	},
}

// Build returns the thinking spec for a task type. Unknown task types get the
// general spec.
func Build(taskType types.TaskType, input string, opts Options) ThinkingSpec {
	if opts.Disabled {
		return ThinkingSpec{TaskType: taskType}
	}
	if !taskType.IsValid() {
		taskType = types.TaskGeneral
	}

	instruction := taskInstructions[taskType]
	if strings.Contains(input, "```") && taskType != types.TaskCode {
		instruction += " Quote code from the request exactly when you refer to it."
	}

	spec := ThinkingSpec{
		TaskType:    taskType,
		Instruction: instructionMarker + " " + instruction,
	}
	if !opts.OmitPhases {
		spec.Phases = append([]Phase(nil), taskPhases[taskType]...)
	}
	return spec
}

// PhaseBlock renders the phase instructions appended to the user message.
func (s ThinkingSpec) PhaseBlock() string {
	if len(s.Phases) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(phaseBlockMarker)
	b.WriteString("\nStructure your response with these headings, in order:")
	for _, p := range s.Phases {
		b.WriteString("\n")
		b.WriteString(p.Marker())
		b.WriteString(" ")
		b.WriteString(p.Description())
	}
	return b.String()
}
