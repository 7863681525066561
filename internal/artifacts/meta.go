package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

const (
	// MetaVersion is the only meta document version this build reads or writes.
	MetaVersion = 1
	metaObject  = "meta"
)

// NewMeta builds a current-schema meta document.
func NewMeta(arts []models.Artifact) models.MetaDocument {
	if arts == nil {
		arts = []models.Artifact{}
	}
	return models.MetaDocument{Version: MetaVersion, Object: metaObject, Artifacts: arts}
}

// MarshalMeta serialises doc. Nil trails are written as empty arrays.
func MarshalMeta(doc models.MetaDocument) ([]byte, error) {
	out := doc
	out.Artifacts = make([]models.Artifact, len(doc.Artifacts))
	for i, a := range doc.Artifacts {
		if a.StepTrail == nil {
			a.StepTrail = []models.StepDescriptor{}
		}
		out.Artifacts[i] = a
	}
	if out.Artifacts == nil {
		out.Artifacts = []models.Artifact{}
	}
	return json.Marshal(out)
}

type rawMeta struct {
	Version   *int           `json:"version"`
	Object    *string        `json:"object"`
	Artifacts *[]rawArtifact `json:"artifacts"`
}

type rawArtifact struct {
	Path      *string            `json:"path"`
	StepTrail *[]json.RawMessage `json:"stepTrail"`
}

// ParseMeta strictly validates raw. A missing or unknown field, a version
// other than MetaVersion, or a malformed step trail fails the whole document.
func ParseMeta(raw []byte) (*models.MetaDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var m rawMeta
	if err := dec.Decode(&m); err != nil {
		return nil, problems.Wrap(problems.MalformedMeta, err, "decode")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, problems.New(problems.MalformedMeta, "trailing data after document")
	}

	if m.Version == nil {
		return nil, problems.New(problems.MalformedMeta, "missing version").WithPaths("version")
	}
	if *m.Version != MetaVersion {
		return nil, problems.New(problems.UnsupportedVersion, "version %d is not supported", *m.Version).WithPaths("version")
	}
	if m.Object == nil || *m.Object != metaObject {
		return nil, problems.New(problems.MalformedMeta, `object must be "meta"`).WithPaths("object")
	}
	if m.Artifacts == nil {
		return nil, problems.New(problems.MalformedMeta, "missing artifacts").WithPaths("artifacts")
	}

	doc := &models.MetaDocument{
		Version:   MetaVersion,
		Object:    metaObject,
		Artifacts: make([]models.Artifact, 0, len(*m.Artifacts)),
	}
	for i, ra := range *m.Artifacts {
		if ra.Path == nil || *ra.Path == "" {
			return nil, problems.New(problems.MalformedMeta, "artifact has no path").WithPaths(fmt.Sprintf("artifacts[%d].path", i))
		}
		if ra.StepTrail == nil {
			return nil, problems.New(problems.MalformedMeta, "artifact has no stepTrail").WithPaths(fmt.Sprintf("artifacts[%d].stepTrail", i))
		}
		trail := make([]models.StepDescriptor, 0, len(*ra.StepTrail))
		for j, entry := range *ra.StepTrail {
			var d models.StepDescriptor
			if err := json.Unmarshal(entry, &d); err != nil {
				return nil, problems.Wrap(problems.MalformedMeta, err, "bad step descriptor").
					WithPaths(fmt.Sprintf("artifacts[%d].stepTrail[%d]", i, j))
			}
			trail = append(trail, d)
		}
		doc.Artifacts = append(doc.Artifacts, models.Artifact{Path: *ra.Path, StepTrail: trail})
	}
	return doc, nil
}
