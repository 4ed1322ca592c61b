package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/finflow/internal/validation"
	"github.com/rendis/finflow/pkg/schema"
)

// Registry holds the pipelines an Executor can run. It is built explicitly
// at startup and passed to whoever needs it.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Definition
	schemas   validation.Validator
}

// NewRegistry creates an empty Registry. When v is non-nil every input and
// resume schema must compile before a pipeline is accepted.
func NewRegistry(v validation.Validator) *Registry {
	return &Registry{
		pipelines: make(map[string]Definition),
		schemas:   v,
	}
}

// Register validates def and adds it. Duplicate names are a CONFLICT.
func (r *Registry) Register(def Definition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline is nil")
	}
	res := r.Validate(def)
	if err := res.ToError(); err != nil {
		return err
	}

	name := def.Info().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q already registered", name)
	}
	r.pipelines[name] = def
	return nil
}

// MustRegister is Register for static wiring in main; it panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Validate checks a pipeline's structure without registering it.
//
// Errors: empty name, no stages, duplicate or empty stage names, a stage
// without a function, uncompilable schemas, and reads of fields that
// neither the input schema nor an earlier stage provides.
// Warnings: two stages writing the same field.
func (r *Registry) Validate(def Definition) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	info := def.Info()

	if info.Name == "" {
		res.AddError("name", schema.ErrCodeValidation, "pipeline name is empty")
	}
	if len(info.Stages) == 0 {
		res.AddError("stages", schema.ErrCodeValidation, "pipeline has no stages")
	}
	if r.schemas != nil {
		if err := r.schemas.CheckSchema(info.InputSchema); err != nil {
			res.AddError("input_schema", schema.ErrCodeValidation, err.Error())
		}
	}
	for _, i := range def.missingRun() {
		res.AddError(fmt.Sprintf("stages[%d]", i), schema.ErrCodeValidation, "stage has no run function")
	}

	available := stateFields(info.InputSchema)
	checkReads := len(available) > 0
	seen := make(map[string]bool, len(info.Stages))
	writers := make(map[string]string)

	for i, st := range info.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		switch {
		case st.Name == "":
			res.AddError(path, schema.ErrCodeValidation, "stage name is empty")
		case seen[st.Name]:
			res.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate stage name %q", st.Name))
		}
		seen[st.Name] = true

		if r.schemas != nil && len(st.ResumeSchema) > 0 {
			if err := r.schemas.CheckSchema(st.ResumeSchema); err != nil {
				res.AddError(path+".resume_schema", schema.ErrCodeValidation, err.Error())
			}
		}

		if checkReads {
			for _, f := range st.Reads {
				if !slices.Contains(available, f) && !slices.Contains(st.Writes, f) {
					res.AddError(path+".reads", schema.ErrCodeValidation,
						fmt.Sprintf("stage %q reads %q which no earlier stage writes", st.Name, f))
				}
			}
		}
		for _, f := range st.Writes {
			if prev, ok := writers[f]; ok {
				res.AddWarning(path+".writes", schema.ErrCodeWriteCollision,
					fmt.Sprintf("stages %q and %q both write %q", prev, st.Name, f))
			} else {
				writers[f] = st.Name
			}
			if !slices.Contains(available, f) {
				available = append(available, f)
			}
		}
	}
	return res
}

// Get returns the pipeline registered under name.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.pipelines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not registered", name)
	}
	return def, nil
}

// List returns every registered pipeline, sorted by name.
func (r *Registry) List() []PipelineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PipelineInfo, 0, len(r.pipelines))
	for _, def := range r.pipelines {
		out = append(out, def.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
