package orchestrator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ErrInvalidDefinition indicates a workflow definition failed field validation.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// workflowIDPattern keeps ids safe as store keys and file names.
var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// specValidate checks workflow and task specs. Initialized in init() with
// the custom workflow id rule.
var specValidate *validator.Validate

func init() {
	specValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = specValidate.RegisterValidation("workflowid", func(fl validator.FieldLevel) bool {
		return workflowIDPattern.MatchString(fl.Field().String())
	})
}

// WorkflowSpec is the input to Create. Pointer fields fall back to the
// controller defaults when nil.
type WorkflowSpec struct {
	ID               string              `json:"id,omitempty" validate:"omitempty,max=128,workflowid"`
	Tasks            []models.TaskSpec   `json:"tasks" validate:"required,min=1,dive"`
	Concurrency      int                 `json:"concurrency,omitempty" validate:"gte=0"`
	FailFast         *bool               `json:"fail_fast,omitempty"`
	SkippedIsFailure *bool               `json:"skipped_is_failure,omitempty"`
	DefaultRetry     *models.RetryPolicy `json:"default_retry,omitempty"`
	DefaultTimeout   time.Duration       `json:"default_timeout,omitempty" validate:"gte=0"`
}

// Validate checks field constraints. Graph structure is checked separately.
func (s *WorkflowSpec) Validate() error {
	err := specValidate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "WorkflowSpec.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "workflowid":
		return fmt.Sprintf("%s %q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", field, fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s must satisfy %s", field, fe.Tag())
	}
}

// Plan checks spec the way Create does, without persisting anything, and
// returns its task ids in an order where every dependency comes first.
func Plan(spec WorkflowSpec) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	g := graph.New()
	if err := g.Build(spec.Tasks); err != nil {
		return nil, err
	}
	return g.TopologicalOrder()
}
