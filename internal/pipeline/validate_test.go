package pipeline

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

func step(id string, typ models.StepType) models.Step {
	return models.Step{ID: id, Type: typ}
}

func linearPipeline() *models.Pipeline {
	return &models.Pipeline{
		ID:   "nightly",
		Name: "nightly",
		Steps: []models.Step{
			step("upload", models.StepTypeObjectStorageUpload),
			step("dump", models.StepTypePostgresBackup),
			step("gzip", models.StepTypeCompress),
		},
		References: []models.Reference{
			{From: "dump", To: "gzip"},
			{From: "gzip", To: "upload"},
		},
	}
}

func TestValidate_LinearPipeline(t *testing.T) {
	g, err := Validate(linearPipeline())
	require.NoError(t, err)

	assert.Equal(t, "dump", g.Start)
	assert.Equal(t, []string{"dump", "gzip", "upload"}, g.Order)
	assert.Equal(t, []string{"dump"}, g.Upstream("gzip"))
	assert.Equal(t, []string{"upload"}, g.Downstream("gzip"))
	assert.Equal(t, []string{"upload"}, g.Terminal())
}

func TestValidate_BranchingOrderIsDeterministic(t *testing.T) {
	p := &models.Pipeline{
		Steps: []models.Step{
			step("dump", models.StepTypePostgresBackup),
			step("zstd", models.StepTypeCompress),
			step("gzip", models.StepTypeCompress),
			step("b-upload", models.StepTypeObjectStorageUpload),
			step("a-upload", models.StepTypeObjectStorageUpload),
		},
		References: []models.Reference{
			{From: "dump", To: "zstd"},
			{From: "dump", To: "gzip"},
			{From: "zstd", To: "a-upload"},
			{From: "gzip", To: "b-upload"},
		},
	}

	for i := 0; i < 5; i++ {
		g, err := Validate(p)
		require.NoError(t, err)
		assert.Equal(t, []string{"dump", "gzip", "b-upload", "zstd", "a-upload"}, g.Order)
		assert.Equal(t, []string{"b-upload", "a-upload"}, g.Terminal())
	}
}

func TestValidate_DuplicateReferencesCollapse(t *testing.T) {
	p := linearPipeline()
	p.References = append(p.References, models.Reference{From: "dump", To: "gzip"})

	g, err := Validate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"dump"}, g.Upstream("gzip"))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(p *models.Pipeline)
		kind  problems.Kind
		paths []string
	}{
		{
			name: "no steps",
			edit: func(p *models.Pipeline) { p.Steps = nil; p.References = nil },
			kind: problems.MissingStartingStep,
		},
		{
			name: "every step has a producer",
			edit: func(p *models.Pipeline) {
				p.References = append(p.References, models.Reference{From: "upload", To: "dump"})
			},
			kind: problems.MissingStartingStep,
		},
		{
			name: "two starting steps",
			edit: func(p *models.Pipeline) {
				p.References = p.References[:1]
			},
			kind:  problems.TooManyStartingSteps,
			paths: []string{"steps[0]", "steps[1]"},
		},
		{
			name: "reference to unknown consumer",
			edit: func(p *models.Pipeline) {
				p.References = append(p.References, models.Reference{From: "upload", To: "ghost"})
			},
			kind:  problems.InvalidStepReferences,
			paths: []string{"references[2].to"},
		},
		{
			name: "reference from unknown producer",
			edit: func(p *models.Pipeline) {
				p.References = append(p.References, models.Reference{From: "ghost", To: "upload"})
			},
			kind:  problems.InvalidStepReferences,
			paths: []string{"references[2].from"},
		},
		{
			name: "dangling producer does not count toward starting steps",
			edit: func(p *models.Pipeline) {
				p.References = []models.Reference{{From: "dump", To: "gzip"}, {From: "ghost", To: "upload"}}
			},
			kind:  problems.TooManyStartingSteps,
			paths: []string{"steps[0]", "steps[1]"},
		},
		{
			name: "cycle below the start",
			edit: func(p *models.Pipeline) {
				p.References = append(p.References, models.Reference{From: "upload", To: "gzip"})
			},
			kind:  problems.InvalidStructure,
			paths: []string{"steps[0]", "steps[2]"},
		},
		{
			name: "self reference",
			edit: func(p *models.Pipeline) {
				p.References = append(p.References, models.Reference{From: "upload", To: "upload"})
			},
			kind:  problems.InvalidStructure,
			paths: []string{"steps[0]"},
		},
		{
			name:  "unknown step type",
			edit:  func(p *models.Pipeline) { p.Steps[1].Type = "tar" },
			kind:  problems.InvalidDefinition,
			paths: []string{"steps[1].type"},
		},
		{
			name:  "empty step id",
			edit:  func(p *models.Pipeline) { p.Steps[2].ID = "" },
			kind:  problems.InvalidDefinition,
			paths: []string{"steps[2].id"},
		},
		{
			name: "duplicate step id",
			edit: func(p *models.Pipeline) {
				p.Steps = append(p.Steps, step("gzip", models.StepTypeEncrypt))
			},
			kind:  problems.InvalidDefinition,
			paths: []string{"steps[3].id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := linearPipeline()
			tt.edit(p)

			g, err := Validate(p)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.True(t, tt.kind.Matches(err), "got %v", err)
			if tt.paths != nil {
				var pe *problems.Error
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.paths, pe.Paths)
			}
		})
	}
}

func TestValidate_NilPipeline(t *testing.T) {
	_, err := Validate(nil)
	assert.True(t, problems.InvalidDefinition.Matches(err))
}

// randomDAG builds a pipeline with a single starting step "s000": every
// other step gets at least one producer with a smaller index.
func randomDAG(r *rand.Rand, n int) *models.Pipeline {
	p := &models.Pipeline{ID: "random"}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("s%03d", i)
	}
	r.Shuffle(n-1, func(i, j int) { ids[i+1], ids[j+1] = ids[j+1], ids[i+1] })
	for i := 0; i < n; i++ {
		p.Steps = append(p.Steps, step(ids[i], models.StepTypeCompress))
		if i == 0 {
			continue
		}
		p.References = append(p.References, models.Reference{From: ids[r.IntN(i)], To: ids[i]})
		for k := r.IntN(3); k > 0; k-- {
			p.References = append(p.References, models.Reference{From: ids[r.IntN(i)], To: ids[i]})
		}
	}
	return p
}

func TestValidate_RandomDAGsHaveConsistentOrder(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		p := randomDAG(r, 2+r.IntN(20))

		g, err := Validate(p)
		require.NoError(t, err)
		require.Len(t, g.Order, len(p.Steps))

		pos := make(map[string]int, len(g.Order))
		for i, id := range g.Order {
			pos[id] = i
		}
		for _, ref := range p.References {
			assert.Less(t, pos[ref.From], pos[ref.To], "%s must precede %s", ref.From, ref.To)
		}
	}
}

func TestValidate_RandomStartingStepViolations(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for iter := 0; iter < 100; iter++ {
		p := randomDAG(r, 3+r.IntN(10))

		// Detach one non-start step from all its producers: two starts.
		victim := p.Steps[1+r.IntN(len(p.Steps)-1)].ID
		var kept []models.Reference
		for _, ref := range p.References {
			if ref.To != victim {
				kept = append(kept, ref)
			}
		}
		two := &models.Pipeline{Steps: p.Steps, References: kept}
		_, err := Validate(two)
		assert.True(t, problems.TooManyStartingSteps.Matches(err), "got %v", err)

		// Feed the start from the last step: no starts, and a cycle.
		last := p.Steps[len(p.Steps)-1].ID
		zero := &models.Pipeline{Steps: p.Steps, References: append(append([]models.Reference{}, p.References...), models.Reference{From: last, To: p.Steps[0].ID})}
		_, err = Validate(zero)
		assert.True(t, problems.MissingStartingStep.Matches(err), "got %v", err)
	}
}

func TestValidate_RandomCyclesAreRejected(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for iter := 0; iter < 100; iter++ {
		p := randomDAG(r, 3+r.IntN(10))
		g, err := Validate(p)
		require.NoError(t, err)

		// Close a back edge from a descendant of a non-start step to it.
		target := g.Order[1+r.IntN(len(g.Order)-1)]
		cur := target
		for k := r.IntN(4); k > 0; k-- {
			next := g.Downstream(cur)
			if len(next) == 0 {
				break
			}
			cur = next[r.IntN(len(next))]
		}
		p.References = append(p.References, models.Reference{From: cur, To: target})

		_, err = Validate(p)
		assert.True(t, problems.InvalidStructure.Matches(err), "got %v", err)
	}
}

func TestValidate_RandomDanglingReferences(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	for iter := 0; iter < 100; iter++ {
		p := randomDAG(r, 2+r.IntN(10))
		existing := p.Steps[r.IntN(len(p.Steps))].ID
		if r.IntN(2) == 0 {
			p.References = append(p.References, models.Reference{From: existing, To: "missing"})
		} else {
			p.References = append(p.References, models.Reference{From: "missing", To: existing})
		}

		_, err := Validate(p)
		assert.True(t, problems.InvalidStepReferences.Matches(err), "got %v", err)
	}
}
