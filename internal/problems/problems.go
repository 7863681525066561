// Package problems defines the closed set of domain error kinds and their
// conversion to RFC 7807 problem documents.
package problems

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"backupflow/backend/pkg/models"
)

// Group is an error domain.
type Group string

const (
	GroupPipeline  Group = "PIPELINE"
	GroupExecution Group = "EXECUTION"
	GroupArtifact  Group = "ARTIFACT"
)

// Kind is one member of the closed enumeration of domain errors. The zero
// value matches nothing.
type Kind struct {
	group Group
	name  string
}

var (
	MissingStartingStep   = Kind{GroupPipeline, "missing_starting_step"}
	TooManyStartingSteps  = Kind{GroupPipeline, "too_many_starting_steps"}
	InvalidStepReferences = Kind{GroupPipeline, "invalid_step_references"}
	InvalidStructure      = Kind{GroupPipeline, "invalid_structure"}
	InvalidDefinition     = Kind{GroupPipeline, "invalid_definition"}
	PipelineNotFound      = Kind{GroupPipeline, "not_found"}

	ExecutionNotFound = Kind{GroupExecution, "not_found"}
	AlreadyExists     = Kind{GroupExecution, "already_exists"}
	AmbiguousInput    = Kind{GroupExecution, "ambiguous_input"}
	UnsupportedFanIn  = Kind{GroupExecution, "unsupported_fan_in"}
	AdapterFailed     = Kind{GroupExecution, "adapter_failed"}
	Cancelled         = Kind{GroupExecution, "cancelled"}
	Skipped           = Kind{GroupExecution, "skipped"}

	MalformedMeta      = Kind{GroupArtifact, "malformed_meta"}
	UnsupportedVersion = Kind{GroupArtifact, "unsupported_version"}
	Immutable          = Kind{GroupArtifact, "immutable"}
	MetaUnavailable    = Kind{GroupArtifact, "meta_unavailable"}
)

var allKinds = []Kind{
	MissingStartingStep, TooManyStartingSteps, InvalidStepReferences, InvalidStructure,
	InvalidDefinition, PipelineNotFound,
	ExecutionNotFound, AlreadyExists, AmbiguousInput, UnsupportedFanIn, AdapterFailed,
	Cancelled, Skipped,
	MalformedMeta, UnsupportedVersion, Immutable, MetaUnavailable,
}

// Group returns the domain of k.
func (k Kind) Group() Group { return k.group }

// Name returns the kind name without its group.
func (k Kind) Name() string { return k.name }

// String returns the stable code, e.g. "PIPELINE.invalid_structure".
func (k Kind) String() string {
	if k.name == "" {
		return ""
	}
	return string(k.group) + "." + k.name
}

// ParseKind resolves a stable code back to its Kind.
func ParseKind(code string) (Kind, bool) {
	for _, k := range allKinds {
		if k.String() == code {
			return k, true
		}
	}
	return Kind{}, false
}

// Matches reports whether v carries this kind. v may be an error (the chain
// is searched), a ProblemDetails received from another process, or a code
// string.
func (k Kind) Matches(v any) bool {
	if k.name == "" {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t == k.String()
	case models.ProblemDetails:
		return t.Code == k.String()
	case *models.ProblemDetails:
		return t != nil && t.Code == k.String()
	case error:
		var pe *Error
		if errors.As(t, &pe) {
			return pe.Kind == k
		}
	}
	return false
}

// Error is a domain error with a stable kind and optional property paths
// pinpointing the offending part of the input.
type Error struct {
	Kind    Kind
	Message string
	Paths   []string
	Err     error
}

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithPaths attaches property paths and returns e.
func (e *Error) WithPaths(paths ...string) *Error {
	e.Paths = append(e.Paths, paths...)
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return Kind{}, false
}

// Status maps a kind to the HTTP status callers should see.
func Status(k Kind) int {
	switch k {
	case MissingStartingStep, TooManyStartingSteps, InvalidStepReferences, InvalidStructure, InvalidDefinition:
		return http.StatusUnprocessableEntity
	case PipelineNotFound, ExecutionNotFound:
		return http.StatusNotFound
	case AlreadyExists, MetaUnavailable:
		return http.StatusConflict
	case MalformedMeta, UnsupportedVersion:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ToDetails converts err to a problem document. Errors without a kind become
// a generic 500.
func ToDetails(err error) models.ProblemDetails {
	var pe *Error
	if !errors.As(err, &pe) {
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(http.StatusInternalServerError),
			Status: http.StatusInternalServerError,
			Detail: err.Error(),
		}
	}
	status := Status(pe.Kind)
	return models.ProblemDetails{
		Type:   "urn:backupflow:problem:" + pe.Kind.String(),
		Title:  http.StatusText(status),
		Status: status,
		Detail: pe.Error(),
		Code:   pe.Kind.String(),
		Paths:  pe.Paths,
	}
}
