// Package instruction loads YAML instruction templates from any afs location
// and renders them with session inputs.
package instruction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// Wildcard matches any workflow or step
const Wildcard = "*"

const defaultSystem = "You are an autonomous assistant. Use the available tools when helpful and call complete_task once the task is finished."

// Instruction is a rendered instruction
type Instruction struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

// Template is a single instruction template
type Template struct {
	WorkflowID string `yaml:"workflowId"`
	StepID     string `yaml:"stepId"`
	System     string `yaml:"system"`
	Prompt     string `yaml:"prompt"`

	system *template.Template
	prompt *template.Template
}

// Document is the YAML file layout
type Document struct {
	Templates []*Template `yaml:"templates"`
}

func (t *Template) compile() error {
	var err error
	name := t.WorkflowID + "/" + t.StepID
	if t.system, err = template.New(name + "/system").Option("missingkey=zero").Parse(t.System); err != nil {
		return fmt.Errorf("invalid system template %s: %w", name, err)
	}
	if t.prompt, err = template.New(name + "/prompt").Option("missingkey=zero").Parse(t.Prompt); err != nil {
		return fmt.Errorf("invalid prompt template %s: %w", name, err)
	}
	return nil
}

// specificity ranks exact matches before wildcards
func (t *Template) specificity(workflowID, stepID string) int {
	score := 0
	switch t.WorkflowID {
	case workflowID:
		score += 2
	case Wildcard, "":
	default:
		return -1
	}
	switch t.StepID {
	case stepID:
		score++
	case Wildcard, "":
	default:
		return -1
	}
	return score
}

// Service renders instructions from loaded templates
type Service struct {
	fs        afs.Service
	mu        sync.RWMutex
	templates []*Template
}

// New creates an instruction service with the supplied templates
func New(templates ...*Template) (*Service, error) {
	ret := &Service{fs: afs.New()}
	if err := ret.set(templates); err != nil {
		return nil, err
	}
	return ret, nil
}

// Load reads a YAML document from URL, replacing loaded templates
func (s *Service) Load(ctx context.Context, URL string) error {
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return fmt.Errorf("failed to load instructions %s: %w", URL, err)
	}
	document := &Document{}
	if err = yaml.Unmarshal(data, document); err != nil {
		return fmt.Errorf("failed to decode instructions %s: %w", URL, err)
	}
	return s.set(document.Templates)
}

func (s *Service) set(templates []*Template) error {
	for _, candidate := range templates {
		if err := candidate.compile(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()
	return nil
}

// Render renders the most specific template for the workflow step. Without a
// matching template the inputs are rendered as the prompt.
func (s *Service) Render(_ context.Context, workflowID, stepID string, inputs map[string]interface{}) (*Instruction, error) {
	s.mu.RLock()
	var selected *Template
	best := -1
	for _, candidate := range s.templates {
		if score := candidate.specificity(workflowID, stepID); score > best {
			best, selected = score, candidate
		}
	}
	s.mu.RUnlock()
	if selected == nil {
		return &Instruction{System: defaultSystem, Prompt: describe(inputs)}, nil
	}
	data := map[string]interface{}{"workflowId": workflowID, "stepId": stepID, "inputs": inputs}
	for k, v := range inputs {
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	system, err := execute(selected.system, data)
	if err != nil {
		return nil, err
	}
	prompt, err := execute(selected.prompt, data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = describe(inputs)
	}
	return &Instruction{System: system, Prompt: prompt}, nil
}

func execute(tmpl *template.Template, data interface{}) (string, error) {
	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// describe renders inputs as a deterministic key: value list
func describe(inputs map[string]interface{}) string {
	if len(inputs) == 0 {
		return "Complete the task."
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		value, ok := inputs[k].(string)
		if !ok {
			data, _ := json.Marshal(inputs[k])
			value = string(data)
		}
		lines = append(lines, k+": "+value)
	}
	return "Complete the task using these inputs:\n" + strings.Join(lines, "\n")
}
