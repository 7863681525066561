package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed
}

// StepRunStatus is the outcome of a single step within an execution.
type StepRunStatus string

const (
	StepSucceeded StepRunStatus = "succeeded"
	StepFailed    StepRunStatus = "failed"
	StepSkipped   StepRunStatus = "skipped"
)

// StepDescriptor identifies a step an artifact passed through. It is encoded
// as the two element array ["<step id>", "<step type>"].
type StepDescriptor struct {
	StepID string
	Type   StepType
}

// DescriptorFor returns the descriptor of s.
func DescriptorFor(s Step) StepDescriptor {
	return StepDescriptor{StepID: s.ID, Type: s.Type}
}

// MarshalJSON implements json.Marshaler.
func (d StepDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{d.StepID, string(d.Type)})
}

// UnmarshalJSON implements json.Unmarshaler. Anything other than an array of
// two non-empty strings is rejected.
func (d *StepDescriptor) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("step descriptor must be an array of strings: %w", err)
	}
	if parts == nil {
		return fmt.Errorf("step descriptor must be an array, got null")
	}
	if len(parts) != 2 {
		return fmt.Errorf("step descriptor must have 2 elements, got %d", len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("step descriptor elements must be non-empty")
	}
	d.StepID = parts[0]
	d.Type = StepType(parts[1])
	return nil
}

// StepRun records what happened to one step of an execution.
type StepRun struct {
	StepID     string        `json:"step_id"`
	Status     StepRunStatus `json:"status"`
	OutputPath string        `json:"output_path,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Execution represents one run of a pipeline
type Execution struct {
	ID         string           `json:"id"`
	PipelineID string           `json:"pipeline_id"`
	Status     ExecutionStatus  `json:"status"`
	StepTrail  []StepDescriptor `json:"step_trail"`
	Steps      []StepRun        `json:"steps,omitempty"`
	MetaPath   string           `json:"meta_path,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Artifact is a written output together with the lineage that produced it.
type Artifact struct {
	Path      string           `json:"path"`
	StepTrail []StepDescriptor `json:"stepTrail"`
}

// MetaDocument is the versioned lineage envelope stored next to artifacts.
type MetaDocument struct {
	Version   int        `json:"version"`
	Object    string     `json:"object"`
	Artifacts []Artifact `json:"artifacts"`
}
