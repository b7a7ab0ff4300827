package types

// TaskType is the closed set of labels describing the nature of a user request.
type TaskType string

const (
	TaskGeneral         TaskType = "general"
	TaskResearch        TaskType = "research"
	TaskCode            TaskType = "code"
	TaskReasoning       TaskType = "reasoning"
	TaskCreative        TaskType = "creative"
	TaskDataAnalysis    TaskType = "data_analysis"
	TaskDomainExpertise TaskType = "domain_expertise"
)

// AllTaskTypes returns every valid task type in rule evaluation order.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskGeneral,
		TaskResearch,
		TaskCode,
		TaskReasoning,
		TaskCreative,
		TaskDataAnalysis,
		TaskDomainExpertise,
	}
}

func (t TaskType) String() string { return string(t) }

// IsValid reports whether t is a member of the enumeration.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskGeneral, TaskResearch, TaskCode, TaskReasoning, TaskCreative, TaskDataAnalysis, TaskDomainExpertise:
		return true
	default:
		return false
	}
}

func ParseTaskType(s string) (TaskType, bool) {
	t := TaskType(s)
	if !t.IsValid() {
		return "", false
	}
	return t, true
}
