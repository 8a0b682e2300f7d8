// Package decode turns provider result payloads of unknown shape into a
// usable result. Each variant either decodes the payload or declines; the
// fallback variant always succeeds, so decoding never fails.
package decode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Variant names the shape a payload was decoded as
type Variant string

const (
	VariantJSON     Variant = "json"
	VariantMessages Variant = "messages"
	VariantObject   Variant = "object"
	VariantFallback Variant = "fallback"
)

// FallbackKey holds the verbatim payload in a fallback result
const FallbackKey = "content"

// maxUnwrap bounds how many times a JSON-encoded string is unwrapped
const maxUnwrap = 2

// Result is a decoded payload
type Result struct {
	Variant Variant     `json:"variant"`
	Value   interface{} `json:"value"`
}

// Attempt decodes payload or reports that it is not this shape
type Attempt func(payload interface{}) (*Result, bool)

// Decoder tries attempts in order and falls back to a verbatim wrapper
type Decoder struct {
	attempts []Attempt
}

// New creates a decoder; without attempts the default order is used:
// json, messages, object.
func New(attempts ...Attempt) *Decoder {
	if len(attempts) == 0 {
		attempts = []Attempt{JSON, Messages, Object}
	}
	return &Decoder{attempts: attempts}
}

var defaultDecoder = New()

// Decode decodes payload with the default decoder
func Decode(payload interface{}) *Result {
	return defaultDecoder.Decode(payload)
}

// Decode returns the first successful attempt or the fallback result
func (d *Decoder) Decode(payload interface{}) *Result {
	for _, attempt := range d.attempts {
		if result, ok := safely(attempt, payload); ok {
			return result
		}
	}
	return Fallback(payload)
}

func safely(attempt Attempt, payload interface{}) (result *Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			result, ok = nil, false
		}
	}()
	result, ok = attempt(payload)
	if ok && result == nil {
		return nil, false
	}
	return result, ok
}

// JSON decodes textual payloads that parse as JSON. JSON-encoded strings are
// unwrapped, a plain string ends up wrapped; message sequences are left for
// the Messages variant.
func JSON(payload interface{}) (*Result, bool) {
	text, ok := asText(payload)
	if !ok {
		return nil, false
	}
	value, ok := parseJSON(text)
	if !ok {
		return nil, false
	}
	if isMessageSequence(value) {
		return nil, false
	}
	if inner, isText := value.(string); isText {
		value = map[string]interface{}{FallbackKey: inner}
	}
	return &Result{Variant: VariantJSON, Value: value}, true
}

// Messages extracts the text of the single model-authored message from a
// role-tagged message sequence, skipping reasoning and tool trace items. The
// extracted text is parsed as JSON, or wrapped when it is not JSON.
func Messages(payload interface{}) (*Result, bool) {
	items, ok := asSequence(payload)
	if !ok || !isMessageSequence(items) {
		return nil, false
	}
	message := assistantMessage(items)
	if message == nil {
		return nil, false
	}
	text := strings.TrimSpace(extractText(message["content"]))
	if value, ok := parseJSON(text); ok {
		inner, isText := value.(string)
		if !isText {
			return &Result{Variant: VariantMessages, Value: value}, true
		}
		text = inner
	}
	return &Result{Variant: VariantMessages, Value: map[string]interface{}{FallbackKey: text}}, true
}

// Object accepts structured (non textual, non sequence) payloads as is
func Object(payload interface{}) (*Result, bool) {
	switch actual := payload.(type) {
	case nil, string, []byte, json.RawMessage, []interface{}:
		return nil, false
	case map[string]interface{}:
		return &Result{Variant: VariantObject, Value: actual}, true
	default:
		data, err := json.Marshal(actual)
		if err != nil {
			return nil, false
		}
		var value map[string]interface{}
		if err = json.Unmarshal(data, &value); err != nil || value == nil {
			return nil, false
		}
		return &Result{Variant: VariantObject, Value: value}, true
	}
}

// Fallback wraps the payload verbatim; it always succeeds
func Fallback(payload interface{}) *Result {
	return &Result{Variant: VariantFallback, Value: map[string]interface{}{FallbackKey: verbatim(payload)}}
}

func verbatim(payload interface{}) string {
	if text, ok := asText(payload); ok {
		return text
	}
	if payload == nil {
		return ""
	}
	if data, err := json.Marshal(payload); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", payload)
}

func asText(payload interface{}) (string, bool) {
	switch actual := payload.(type) {
	case string:
		return actual, true
	case []byte:
		return string(actual), true
	case json.RawMessage:
		return string(actual), true
	}
	return "", false
}

// parseJSON parses text, unwrapping JSON-encoded strings that contain JSON
func parseJSON(text string) (interface{}, bool) {
	var value interface{}
	for i := 0; i <= maxUnwrap; i++ {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, false
		}
		if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
			if i == 0 {
				return nil, false
			}
			return text, true
		}
		inner, isString := value.(string)
		if !isString {
			return value, true
		}
		text = inner
	}
	return value, true
}

func asSequence(payload interface{}) ([]interface{}, bool) {
	if items, ok := payload.([]interface{}); ok {
		return items, true
	}
	if text, ok := asText(payload); ok {
		if value, ok := parseJSON(text); ok {
			items, ok := value.([]interface{})
			return items, ok
		}
		return nil, false
	}
	if payload == nil {
		return nil, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var items []interface{}
	if err = json.Unmarshal(data, &items); err != nil {
		return nil, false
	}
	return items, true
}

func isMessageSequence(value interface{}) bool {
	items, ok := value.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if message, ok := item.(map[string]interface{}); ok {
			if _, hasRole := message["role"]; hasRole {
				return true
			}
		}
	}
	return false
}

// assistantMessage returns the last message authored by the model
func assistantMessage(items []interface{}) map[string]interface{} {
	var ret map[string]interface{}
	for _, item := range items {
		message, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if role, _ := message["role"].(string); role == "assistant" {
			ret = message
		}
	}
	return ret
}

// textItemTypes lists content item types carrying user-facing text
var textItemTypes = map[string]bool{"text": true, "output_text": true}

func extractText(content interface{}) string {
	switch actual := content.(type) {
	case string:
		return actual
	case []interface{}:
		var parts []string
		for _, item := range actual {
			switch part := item.(type) {
			case string:
				parts = append(parts, part)
			case map[string]interface{}:
				kind, _ := part["type"].(string)
				if !textItemTypes[kind] {
					continue
				}
				if text, ok := part["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "")
	case map[string]interface{}:
		return extractText([]interface{}{actual})
	}
	return ""
}
