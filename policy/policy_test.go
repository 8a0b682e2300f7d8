package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Permit(t *testing.T) {
	approve := func(answer bool) AskFunc {
		return func(context.Context, string, json.RawMessage, *Policy) bool { return answer }
	}
	testCases := []struct {
		description string
		policy      *Policy
		tool        string
		denied      bool
	}{
		{description: "nil policy", tool: "search"},
		{description: "auto", policy: &Policy{Mode: ModeAuto}, tool: "search"},
		{description: "deny mode", policy: &Policy{Mode: ModeDeny}, tool: "search", denied: true},
		{description: "blocked", policy: &Policy{BlockList: []string{"Shell"}}, tool: "shell", denied: true},
		{description: "not on allow list", policy: &Policy{AllowList: []string{"search"}}, tool: "shell", denied: true},
		{description: "on allow list", policy: &Policy{AllowList: []string{"search"}}, tool: "SEARCH"},
		{description: "block wins", policy: &Policy{AllowList: []string{"search"}, BlockList: []string{"search"}}, tool: "search", denied: true},
		{description: "ask approved", policy: &Policy{Mode: ModeAsk, Ask: approve(true)}, tool: "search"},
		{description: "ask rejected", policy: &Policy{Mode: ModeAsk, Ask: approve(false)}, tool: "search", denied: true},
		{description: "ask without callback", policy: &Policy{Mode: ModeAsk}, tool: "search", denied: true},
	}
	for _, testCase := range testCases {
		err := testCase.policy.Permit(context.Background(), testCase.tool, nil)
		if testCase.denied {
			assert.ErrorIs(t, err, ErrDenied, testCase.description)
			continue
		}
		assert.NoError(t, err, testCase.description)
	}
}

func TestConfig_RoundTrip(t *testing.T) {
	config := &Config{Mode: ModeAsk, AllowList: []string{"search"}, BlockList: []string{"shell"}}
	assert.NoError(t, config.Validate())
	assert.Equal(t, config, ToConfig(FromConfig(config)))
	assert.Error(t, (&Config{Mode: "sometimes"}).Validate())
	assert.Nil(t, FromConfig(nil))
}

func TestFromContext(t *testing.T) {
	p := &Policy{Mode: ModeDeny}
	assert.Same(t, p, FromContext(WithPolicy(context.Background(), p)))
	assert.Nil(t, FromContext(context.Background()))
}
