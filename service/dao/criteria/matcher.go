package criteria

import (
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
)

// Match returns true when the session satisfies every parameter; unknown
// parameter names are ignored.
func Match(s *session.Session, parameters []*dao.Parameter) bool {
	if s == nil {
		return false
	}
	for _, parameter := range parameters {
		if parameter == nil {
			continue
		}
		switch parameter.Name {
		case dao.ParamStatus:
			if !matchString(string(s.Status), parameter.Value) {
				return false
			}
		case dao.ParamWorkflowID:
			if !matchString(s.WorkflowID, parameter.Value) {
				return false
			}
		case dao.ParamStepID:
			if !matchString(s.StepID, parameter.Value) {
				return false
			}
		case dao.ParamHasProviderTask:
			expected, _ := parameter.Value.(bool)
			if s.HasProviderTask() != expected {
				return false
			}
		}
	}
	return true
}

func matchString(actual string, value interface{}) bool {
	switch expected := value.(type) {
	case string:
		return actual == expected
	case []string:
		for _, candidate := range expected {
			if actual == candidate {
				return true
			}
		}
		return false
	}
	return true
}
