package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/viant/taskstream/service/provider"
)

// streamer adapts an SDK event stream to provider.Stream. Recv is pulled
// synchronously by a single goroutine.
type streamer struct {
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
	pending    []*provider.Chunk
	toolBlocks map[int]*toolBuffer
	stopReason string
	done       bool
}

func newStreamer(stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	return &streamer{stream: stream, toolBlocks: make(map[int]*toolBuffer)}
}

// Recv returns the next chunk or io.EOF
func (s *streamer) Recv() (*provider.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, fmt.Errorf("anthropic stream: %w", err)
			}
			continue
		}
		if err := s.handle(s.stream.Current()); err != nil {
			s.done = true
			return nil, err
		}
	}
	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return chunk, nil
}

// Close releases the underlying connection
func (s *streamer) Close() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) emit(chunk *provider.Chunk) {
	s.pending = append(s.pending, chunk)
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.toolBlocks = make(map[int]*toolBuffer)
		s.stopReason = ""
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: incomplete tool use block at %d", ev.Index)
			}
			s.toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.emit(&provider.Chunk{Type: provider.ChunkTypeText, Text: delta.Text})
			}
		case sdk.InputJSONDelta:
			if tb := s.toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := s.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(s.toolBlocks, idx)
		input := json.RawMessage(tb.finalInput())
		if tb.name == provider.DoneToolName {
			s.emit(&provider.Chunk{Type: provider.ChunkTypeDone, Summary: summary(input)})
			return nil
		}
		s.emit(&provider.Chunk{
			Type:     provider.ChunkTypeToolCall,
			ToolCall: &provider.ToolCall{ID: tb.id, Name: tb.name, Input: input},
		})
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
	case sdk.MessageStopEvent:
		s.emit(&provider.Chunk{Type: provider.ChunkTypeStop, StopReason: s.stopReason})
		s.toolBlocks = make(map[int]*toolBuffer)
	}
	return nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}

func summary(input json.RawMessage) string {
	var args struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal(input, &args)
	return args.Summary
}
