// Package openai implements provider.TaskProvider with the OpenAI Responses
// API in background mode: a response is created without waiting, retrieved
// by id until it settles and cancelled when superseded.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/viant/taskstream/service/provider"
)

type (
	// ResponsesClient is the subset of the SDK responses service used by the
	// adapter; it is satisfied by &client.Responses.
	ResponsesClient interface {
		New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
		Get(ctx context.Context, responseID string, query responses.ResponseGetParams, opts ...option.RequestOption) (*responses.Response, error)
	}

	// Poster issues raw API calls; it is satisfied by *sdk.Client.
	Poster interface {
		Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
	}

	// Client runs long-running tasks as background responses
	Client struct {
		responses ResponsesClient
		poster    Poster
		model     string
	}
)

var _ provider.TaskProvider = (*Client)(nil)

// New creates a task provider
func New(responsesClient ResponsesClient, poster Poster, model string) (*Client, error) {
	if responsesClient == nil {
		return nil, errors.New("openai responses client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{responses: responsesClient, poster: poster, model: model}, nil
}

// NewFromAPIKey creates a task provider using the default OpenAI HTTP client
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Responses, &client, model)
}

// Submit creates a background response
func (c *Client) Submit(ctx context.Context, request *provider.TaskRequest) (*provider.Task, error) {
	if request == nil || request.Prompt == "" {
		return nil, errors.New("openai: prompt is required")
	}
	model := request.Model
	if model == "" {
		model = c.model
	}
	params := responses.ResponseNewParams{
		Model:      shared.ResponsesModel(model),
		Input:      responses.ResponseNewParamsInputUnion{OfString: sdk.String(request.Prompt)},
		Background: sdk.Bool(true),
	}
	if request.Instructions != "" {
		params.Instructions = sdk.String(request.Instructions)
	}
	if len(request.Metadata) > 0 {
		params.Metadata = shared.Metadata(request.Metadata)
	}
	resp, err := c.responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses.new: %w", err)
	}
	return toTask(resp)
}

// Status retrieves the current state of a background response
func (c *Client) Status(ctx context.Context, taskID string) (*provider.Task, error) {
	resp, err := c.responses.Get(ctx, taskID, responses.ResponseGetParams{})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", provider.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("openai responses.get %s: %w", taskID, err)
	}
	return toTask(resp)
}

// Cancel cancels a background response
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	if c.poster == nil {
		return errors.New("openai: cancellation is not configured")
	}
	if err := c.poster.Post(ctx, "responses/"+taskID+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("openai responses.cancel %s: %w", taskID, err)
	}
	return nil
}

// envelope picks the fields read from the raw response body
type envelope struct {
	Output json.RawMessage `json:"output"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

func toTask(resp *responses.Response) (*provider.Task, error) {
	if resp == nil || resp.ID == "" {
		return nil, errors.New("openai: empty response")
	}
	ret := &provider.Task{ID: resp.ID, Status: mapStatus(string(resp.Status))}
	var body envelope
	if raw := resp.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return nil, fmt.Errorf("openai: failed to decode response %s: %w", resp.ID, err)
		}
	}
	if ret.Status == provider.TaskCompleted && len(body.Output) > 0 && string(body.Output) != "null" {
		ret.Output = body.Output
	}
	switch {
	case body.Error != nil && body.Error.Message != "":
		ret.Error = body.Error.Message
	case body.IncompleteDetails != nil && body.IncompleteDetails.Reason != "":
		ret.Error = "incomplete: " + body.IncompleteDetails.Reason
	}
	return ret, nil
}

func mapStatus(status string) provider.TaskStatus {
	switch status {
	case "queued":
		return provider.TaskQueued
	case "completed":
		return provider.TaskCompleted
	case "failed":
		return provider.TaskFailed
	case "cancelled":
		return provider.TaskCancelled
	case "incomplete":
		return provider.TaskIncomplete
	default:
		return provider.TaskRunning
	}
}
