// Package models defines the domain models for the backup pipeline service
package models

import (
	"time"
)

// StepType selects the adapter variant a step is bound to.
type StepType string

const (
	StepTypePostgresBackup      StepType = "postgres_backup"
	StepTypeCompress            StepType = "compress"
	StepTypeEncrypt             StepType = "encrypt"
	StepTypeObjectStorageUpload StepType = "object_storage_upload"
	StepTypeSFTPUpload          StepType = "sftp_upload"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{
	StepTypePostgresBackup,
	StepTypeCompress,
	StepTypeEncrypt,
	StepTypeObjectStorageUpload,
	StepTypeSFTPUpload,
}

// Valid reports whether t is one of StepTypes.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Pipeline is a named graph of backup steps.
type Pipeline struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Steps      []Step      `json:"steps" yaml:"steps" validate:"dive"`
	References []Reference `json:"references" yaml:"references" validate:"dive"`
	CreatedAt  time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time   `json:"updated_at" yaml:"-"`
}

// EntityID implements Core.
func (p *Pipeline) EntityID() string { return p.ID }

// Step is one node in a pipeline.
type Step struct {
	ID     string            `json:"id" yaml:"id" validate:"required"`
	Type   StepType          `json:"type" yaml:"type" validate:"required,steptype"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Reference is a directed edge: To consumes the output of From.
type Reference struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Code     string   `json:"code,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}
