package core

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, body string) ([]StreamEvent, error) {
	t.Helper()
	stream := newRunStream(io.NopCloser(strings.NewReader(body)))
	defer stream.Close()

	var out []StreamEvent
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestRunStream_DecodesRun(t *testing.T) {
	body := `event: thread.run.created
data: {"id":"run_1","status":"queued"}

: keepalive

event: thread.message.delta
data: {"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":"Hola"}}]}}

event: thread.message.delta
data: {"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":", "}},{"index":1,"type":"text","text":{"value":"mundo"}}]}}

event: thread.run.completed
data: {"id":"run_1","status":"completed"}

event: done
data: [DONE]

`
	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, UnknownEvent{Name: "thread.run.created"}, events[0])
	assert.Equal(t, MessageDelta{MessageID: "msg_1", Text: "Hola"}, events[1])
	assert.Equal(t, MessageDelta{MessageID: "msg_1", Text: ", mundo"}, events[2])
	assert.Equal(t, RunCompleted{RunID: "run_1"}, events[3])
}

func TestRunStream_Failures(t *testing.T) {
	body := `event: thread.run.failed
data: {"id":"run_2","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"slow down"}}

event: thread.run.expired
data: {"id":"run_3"}

event: error
data: {"error":{"message":"server_error"}}

event: error
data: not json

`
	events, err := collectEvents(t, body)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, RunFailed{RunID: "run_2", Status: "failed", Code: "rate_limit_exceeded", Message: "slow down"}, events[0])
	assert.Equal(t, RunFailed{RunID: "run_3", Status: "expired"}, events[1])
	assert.Equal(t, StreamError{Message: "server_error"}, events[2])
	assert.Equal(t, StreamError{Message: "not json"}, events[3])
}

func TestRunStream_TrailingEventWithoutBlankLine(t *testing.T) {
	events, err := collectEvents(t, "event: thread.run.completed\ndata: {\"id\":\"run_9\"}\n")
	require.NoError(t, err)
	assert.Equal(t, []StreamEvent{RunCompleted{RunID: "run_9"}}, events)
}

func TestRunStream_TruncatedBody(t *testing.T) {
	events, err := collectEvents(t, "event: thread.message.delta\ndata: {\"id\":\"msg_1\",\"delta\":{\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"Ho\"}}]}}\n\nevent: thread.message.delta\ndata: {\"id\"")
	require.Error(t, err)
	assert.ErrorContains(t, err, "reading run stream")
	assert.Equal(t, []StreamEvent{MessageDelta{MessageID: "msg_1", Text: "Ho"}}, events)
}

func TestRunStream_MalformedDelta(t *testing.T) {
	_, err := collectEvents(t, "event: thread.message.delta\ndata: {broken\n\n")
	assert.ErrorContains(t, err, "decoding thread.message.delta")
}

func TestRunStream_EOFIsSticky(t *testing.T) {
	stream := newRunStream(io.NopCloser(strings.NewReader("event: done\ndata: [DONE]\n\nevent: thread.run.completed\ndata: {}\n\n")))
	defer stream.Close()
	_, err := stream.Recv()
	assert.Equal(t, io.EOF, err)
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}
