package dao

// Parameter names understood by session DAOs
const (
	ParamStatus          = "Status"
	ParamWorkflowID      = "WorkflowID"
	ParamStepID          = "StepID"
	ParamHasProviderTask = "HasProviderTask"
)

// Parameter is a single list criterion
type Parameter struct {
	Name  string
	Value interface{}
}

// NewParameter creates a parameter; multiple values are matched as alternatives.
func NewParameter(name string, values ...string) *Parameter {
	if len(values) == 1 {
		return &Parameter{Name: name, Value: values[0]}
	}
	return &Parameter{Name: name, Value: values}
}

// WithStatus matches sessions in any of the supplied statuses
func WithStatus(statuses ...string) *Parameter {
	return NewParameter(ParamStatus, statuses...)
}

// WithResource matches sessions of the given workflow step
func WithResource(workflowID, stepID string) []*Parameter {
	return []*Parameter{NewParameter(ParamWorkflowID, workflowID), NewParameter(ParamStepID, stepID)}
}

// WithProviderTask matches sessions with a recorded provider task id
func WithProviderTask() *Parameter {
	return &Parameter{Name: ParamHasProviderTask, Value: true}
}
