package core

type Operator string

const (
	OperatorIs                    Operator = "is"
	OperatorIsNot                 Operator = "is not"
	OperatorContains              Operator = "contains"
	OperatorDoesNotContain        Operator = "does not contain"
	OperatorLess                  Operator = "less"
	OperatorLessOrEqual           Operator = "less or equal"
	OperatorGreater               Operator = "greater"
	OperatorGreaterOrEqual        Operator = "greater or equal"
	OperatorVersionLess           Operator = "version less"
	OperatorVersionLessOrEqual    Operator = "version less or equal"
	OperatorVersionGreater        Operator = "version greater"
	OperatorVersionGreaterOrEqual Operator = "version greater or equal"
	OperatorSetIs                 Operator = "set is"
	OperatorSetIsNot              Operator = "set is not"
	OperatorSetContains           Operator = "set contains"
	OperatorSetDoesNotContain     Operator = "set does not contain"
	OperatorSetContainsAny        Operator = "set contains any"
	OperatorSetDoesNotContainAny  Operator = "set does not contain any"
	OperatorRegexMatch            Operator = "regex match"
	OperatorRegexDoesNotMatch     Operator = "regex does not match"
)

// NoneValue is the filter value that matches an absent property.
const NoneValue = "(none)"

type Condition struct {
	Selector []string `json:"selector"`
	Op       Operator `json:"op"`
	Values   []string `json:"values"`
}

type Distribution struct {
	Variant string   `json:"variant"`
	Range   [2]int64 `json:"range"`
}

type Allocation struct {
	Range         [2]int64       `json:"range"`
	Distributions []Distribution `json:"distributions"`
}

type Bucket struct {
	Selector    []string     `json:"selector"`
	Salt        string       `json:"salt"`
	Allocations []Allocation `json:"allocations"`
}

type Segment struct {
	Bucket     *Bucket        `json:"bucket,omitempty"`
	Conditions [][]Condition  `json:"conditions,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type FlagConfig struct {
	Key          string             `json:"key"`
	Variants     map[string]Variant `json:"variants"`
	Segments     []Segment          `json:"segments"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

func (f FlagConfig) IsLocalEvaluation() bool {
	mode, _ := f.Metadata["evaluationMode"].(string)
	return mode == "local"
}

func (f FlagConfig) FlagType() string {
	flagType, _ := f.Metadata["flagType"].(string)
	return flagType
}

type EvaluationContext map[string]any
