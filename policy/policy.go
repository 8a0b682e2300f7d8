package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tool call modes
const (
	ModeAsk  = "ask"  // ask before every tool call
	ModeAuto = "auto" // call tools automatically (default)
	ModeDeny = "deny" // refuse every tool call
)

// ErrDenied is returned for tool calls rejected by a policy
var ErrDenied = errors.New("tool call denied by policy")

// AskFunc approves a single tool call when Mode is ask. Implementations may
// mutate the policy, for example switching to ModeAuto after one approval.
type AskFunc func(ctx context.Context, tool string, input json.RawMessage, p *Policy) bool

// Policy gates tool calls of an agent run. A nil *Policy allows everything.
type Policy struct {
	Mode      string
	AllowList []string
	BlockList []string
	Ask       AskFunc
}

// Config is the serialisable part of a Policy
type Config struct {
	Mode      string   `json:"mode,omitempty" yaml:"mode,omitempty" mapstructure:"mode"`
	AllowList []string `json:"allow,omitempty" yaml:"allow,omitempty" mapstructure:"allow"`
	BlockList []string `json:"block,omitempty" yaml:"block,omitempty" mapstructure:"block"`
}

// ToConfig converts a runtime Policy into a persistable Config.
func ToConfig(p *Policy) *Config {
	if p == nil {
		return nil
	}
	return &Config{
		Mode:      p.Mode,
		AllowList: append([]string(nil), p.AllowList...),
		BlockList: append([]string(nil), p.BlockList...),
	}
}

// FromConfig converts a stored Config to a runtime Policy without AskFunc.
func FromConfig(c *Config) *Policy {
	if c == nil {
		return nil
	}
	return &Policy{
		Mode:      c.Mode,
		AllowList: append([]string(nil), c.AllowList...),
		BlockList: append([]string(nil), c.BlockList...),
	}
}

// Validate checks the mode
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch strings.ToLower(c.Mode) {
	case "", ModeAuto, ModeAsk, ModeDeny:
		return nil
	}
	return fmt.Errorf("unsupported tool policy mode: %q", c.Mode)
}

// IsAllowed evaluates BlockList then AllowList; names match case-insensitively.
// An empty AllowList allows every tool that is not blocked.
func (p *Policy) IsAllowed(tool string) bool {
	if p == nil {
		return true
	}
	normalized := strings.ToLower(tool)
	for _, blocked := range p.BlockList {
		if normalized == strings.ToLower(blocked) {
			return false
		}
	}
	if len(p.AllowList) == 0 {
		return true
	}
	for _, allowed := range p.AllowList {
		if normalized == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// Permit returns nil when the tool call may proceed, or an ErrDenied error.
// Ask mode without an AskFunc denies.
func (p *Policy) Permit(ctx context.Context, tool string, input json.RawMessage) error {
	if p == nil {
		return nil
	}
	if !p.IsAllowed(tool) {
		return fmt.Errorf("%w: %s is not allowed", ErrDenied, tool)
	}
	switch strings.ToLower(p.Mode) {
	case ModeDeny:
		return fmt.Errorf("%w: tool calls are disabled", ErrDenied)
	case ModeAsk:
		if p.Ask == nil || !p.Ask(ctx, tool, input, p) {
			return fmt.Errorf("%w: %s was not approved", ErrDenied, tool)
		}
	}
	return nil
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext returns the embedded policy or nil.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
