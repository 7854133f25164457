// Package definition reads workflow definition files.
//
// A definition is YAML with strict field checking: unknown keys are an
// error so a typo never silently becomes a default. Durations use Go
// syntax ("500ms", "5m").
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// File is the on-disk shape of a workflow definition.
type File struct {
	ID               string   `yaml:"id"`
	Concurrency      int      `yaml:"concurrency,omitempty"`
	FailFast         *bool    `yaml:"fail_fast,omitempty"`
	SkippedIsFailure *bool    `yaml:"skipped_is_failure,omitempty"`
	Executor         string   `yaml:"executor,omitempty"`
	Defaults         Defaults `yaml:"defaults,omitempty"`
	Tasks            []Task   `yaml:"tasks"`
}

// Defaults apply to every task that does not set its own value.
type Defaults struct {
	Retry   *Retry        `yaml:"retry,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Task is one task entry.
type Task struct {
	ID           string        `yaml:"id"`
	Description  string        `yaml:"description,omitempty"`
	Dependencies []string      `yaml:"dependencies,omitempty"`
	Priority     int           `yaml:"priority,omitempty"`
	Optional     bool          `yaml:"optional,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	Retry        *Retry        `yaml:"retry,omitempty"`
}

// Retry is a retry policy block. Omitted max_attempts and multiplier take
// the built-in defaults; every other omitted field is zero.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
	Jitter      float64       `yaml:"jitter,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
}

func (r *Retry) policy() *models.RetryPolicy {
	if r == nil {
		return nil
	}
	def := models.DefaultRetryPolicy()
	p := models.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
		MaxDelay:    r.MaxDelay,
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	return &p
}

// Parse decodes a definition and converts it to a validated spec. Graph
// structure is not checked here; Create does that.
func Parse(r io.Reader) (orchestrator.WorkflowSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return orchestrator.WorkflowSpec{}, fmt.Errorf("%w: empty document", orchestrator.ErrInvalidDefinition)
		}
		return orchestrator.WorkflowSpec{}, fmt.Errorf("%w: %w", orchestrator.ErrInvalidDefinition, err)
	}

	spec := f.Spec()
	if err := spec.Validate(); err != nil {
		return orchestrator.WorkflowSpec{}, err
	}
	return spec, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (orchestrator.WorkflowSpec, error) {
	return Parse(bytes.NewReader(data))
}

// Load reads and parses the definition file at path.
func Load(path string) (orchestrator.WorkflowSpec, error) {
	fh, err := os.Open(path)
	if err != nil {
		return orchestrator.WorkflowSpec{}, fmt.Errorf("open definition: %w", err)
	}
	defer fh.Close()

	spec, err := Parse(fh)
	if err != nil {
		return orchestrator.WorkflowSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Spec converts the file to a controller spec without validating it.
func (f *File) Spec() orchestrator.WorkflowSpec {
	spec := orchestrator.WorkflowSpec{
		ID:               f.ID,
		Concurrency:      f.Concurrency,
		FailFast:         f.FailFast,
		SkippedIsFailure: f.SkippedIsFailure,
		DefaultRetry:     f.Defaults.Retry.policy(),
		DefaultTimeout:   f.Defaults.Timeout,
		Tasks:            make([]models.TaskSpec, 0, len(f.Tasks)),
	}
	for _, t := range f.Tasks {
		spec.Tasks = append(spec.Tasks, models.TaskSpec{
			ID:           t.ID,
			Description:  t.Description,
			Dependencies: t.Dependencies,
			Priority:     t.Priority,
			Retry:        t.Retry.policy(),
			Timeout:      t.Timeout,
			Optional:     t.Optional,
		})
	}
	return spec
}

// Encode writes spec back out as a definition document.
func Encode(w io.Writer, spec orchestrator.WorkflowSpec) error {
	f := File{
		ID:               spec.ID,
		Concurrency:      spec.Concurrency,
		FailFast:         spec.FailFast,
		SkippedIsFailure: spec.SkippedIsFailure,
		Defaults:         Defaults{Retry: retryFrom(spec.DefaultRetry), Timeout: spec.DefaultTimeout},
	}
	for _, t := range spec.Tasks {
		f.Tasks = append(f.Tasks, Task{
			ID:           t.ID,
			Description:  t.Description,
			Dependencies: t.Dependencies,
			Priority:     t.Priority,
			Optional:     t.Optional,
			Timeout:      t.Timeout,
			Retry:        retryFrom(t.Retry),
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	return enc.Close()
}

func retryFrom(p *models.RetryPolicy) *Retry {
	if p == nil {
		return nil
	}
	return &Retry{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
		MaxDelay:    p.MaxDelay,
	}
}
