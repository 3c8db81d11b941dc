package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sseServer(t *testing.T, lines []string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/agent/invoke", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("x-api-key"))

		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
}

func testClient(baseURL string) *Client {
	return NewClientWithConfig(ClientConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestInvokeStreamsEventsAndResult(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"text","text":"Opening the browser. "}`,
		``,
		`data: {"type":"tool_use","tool_call":{"name":"click","input":{"x":10}}}`,
		`data: {"type":"text","text":"Done."}`,
		`data: {"type":"result","text":"Opening the browser. Done.","usage":{"input_tokens":12,"output_tokens":8,"total_tokens":20}}`,
		`data: [DONE]`,
	}, http.StatusOK)
	defer srv.Close()

	var events []StepEvent
	res, err := testClient(srv.URL).Invoke(context.Background(), InvokeRequest{
		InstanceID: "inst-1",
		UserPrompt: "do the thing",
	}, func(ev StepEvent) { events = append(events, ev) })

	require.NoError(t, err)
	assert.Equal(t, "Opening the browser. Done.", res.Text)
	assert.Equal(t, 20, res.Usage.TotalTokens)
	require.Len(t, events, 3)
	assert.Equal(t, "tool_use", events[1].Type)
	require.NotNil(t, events[1].ToolCall)
	assert.Equal(t, "click", events[1].ToolCall.Name)
}

func TestInvokeWithoutResultChunkKeepsAccumulatedText(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"text","text":"partial "}`,
		`data: {"type":"text","text":"output"}`,
	}, http.StatusOK)
	defer srv.Close()

	res, err := testClient(srv.URL).Invoke(context.Background(), InvokeRequest{UserPrompt: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial output", res.Text)
	assert.Equal(t, 2, res.Events)
}

func TestInvokeErrorChunk(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"error","error":{"type":"overloaded","message":"busy"}}`,
	}, http.StatusOK)
	defer srv.Close()

	_, err := testClient(srv.URL).Invoke(context.Background(), InvokeRequest{UserPrompt: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestInvokeNonOKStatusFails(t *testing.T) {
	srv := sseServer(t, nil, http.StatusBadRequest)
	defer srv.Close()

	_, err := testClient(srv.URL).Invoke(context.Background(), InvokeRequest{UserPrompt: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestInvokeRequiresAPIKey(t *testing.T) {
	c := NewClientWithConfig(ClientConfig{BaseURL: "http://unused"}, zap.NewNop())
	_, err := c.Invoke(context.Background(), InvokeRequest{UserPrompt: "x"}, nil)
	require.Error(t, err)
}

func TestCapabilityFunc(t *testing.T) {
	cap := CapabilityFunc(func(ctx context.Context, req InvokeRequest, onEvent func(StepEvent)) (*InvokeResult, error) {
		if onEvent != nil {
			onEvent(StepEvent{Type: "text", Text: "hi"})
		}
		return &InvokeResult{Text: "hi"}, nil
	})
	res, err := cap.Invoke(context.Background(), InvokeRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
}
