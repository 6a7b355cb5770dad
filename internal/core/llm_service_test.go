package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLLM(t *testing.T, mux *http.ServeMux) *LLMService {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	svc := NewLLMService("sk-test", srv.URL+"/", time.Minute)
	t.Cleanup(svc.Close)
	return svc
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestLLMService_CreateMessagePlainText(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "thread_1", r.PathValue("id"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		got = decodeBody(t, r)
		fmt.Fprint(w, `{"id":"msg_1","object":"thread.message"}`)
	})
	svc := newTestLLM(t, mux)

	id, err := svc.CreateMessage(context.Background(), "thread_1", MessagePayload{
		Text:        "hola",
		Attachments: []Attachment{{FileID: "file-1", Tools: []string{ToolFileSearch}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)

	assert.Equal(t, "user", got["role"])
	assert.Equal(t, "hola", got["content"])
	assert.Equal(t, []any{map[string]any{
		"file_id": "file-1",
		"tools":   []any{map[string]any{"type": "file_search"}},
	}}, got["attachments"])
}

func TestLLMService_CreateMessageWithImage(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		fmt.Fprint(w, `{"id":"msg_2"}`)
	})
	svc := newTestLLM(t, mux)

	_, err := svc.CreateMessage(context.Background(), "thread_1", MessagePayload{Text: "mira", ImageFileID: "file-img"})
	require.NoError(t, err)

	content, ok := got["content"].([]any)
	require.True(t, ok, "content should be an array")
	require.Len(t, content, 2)
	assert.Equal(t, map[string]any{"type": "text", "text": "mira"}, content[0])
	assert.Equal(t, map[string]any{"type": "image_file", "image_file": map[string]any{"file_id": "file-img"}}, content[1])
	assert.NotContains(t, got, "attachments")
}

func TestLLMService_BindKnowledgeStore(t *testing.T) {
	var got map[string]any
	var gotID string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		gotID = r.PathValue("id")
		got = decodeBody(t, r)
		fmt.Fprint(w, `{"id":"thread_1"}`)
	})
	svc := newTestLLM(t, mux)

	require.NoError(t, svc.BindKnowledgeStore(context.Background(), "thread_1", "vs_1"))
	assert.Equal(t, "thread_1", gotID)
	assert.Equal(t, map[string]any{
		"file_search": map[string]any{"vector_store_ids": []any{"vs_1"}},
	}, got["tool_resources"])
}

func TestLLMService_StreamRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "asst_1", body["assistant_id"])
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "extra", body["additional_instructions"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: thread.message.delta\n")
		fmt.Fprint(w, `data: {"id":"msg_1","delta":{"content":[{"type":"text","text":{"value":"Hola"}}]}}`+"\n\n")
		fmt.Fprint(w, "event: thread.run.completed\ndata: {\"id\":\"run_1\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
	})
	svc := newTestLLM(t, mux)

	stream, err := svc.StreamRun(context.Background(), "thread_1", RunRequest{AssistantID: "asst_1", AdditionalInstructions: "extra"})
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, MessageDelta{MessageID: "msg_1", Text: "Hola"}, ev)
	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, RunCompleted{RunID: "run_1"}, ev)
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestLLMService_StreamRunAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No assistant found","type":"invalid_request_error"}}`)
	})
	svc := newTestLLM(t, mux)

	_, err := svc.StreamRun(context.Background(), "thread_1", RunRequest{AssistantID: "asst_missing"})
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.HTTPStatusCode)
	assert.Equal(t, "No assistant found", apiErr.Message)
}

func TestLLMService_NonJSONError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	svc := newTestLLM(t, mux)

	_, err := svc.CreateMessage(context.Background(), "thread_1", MessagePayload{Text: "mira", ImageFileID: "file-img"})
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestLLMService_ListMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"data":[
			{"id":"msg_2","role":"assistant","created_at":1700000100,"content":[{"type":"text","text":{"value":"respuesta"}}]},
			{"id":"msg_1","role":"user","created_at":1700000000,"content":[{"type":"text","text":{"value":"pregunta"}},{"type":"image_file","image_file":{"file_id":"f"}}]}
		]}`)
	})
	svc := newTestLLM(t, mux)

	messages, err := svc.ListMessages(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg_2", messages[0].ID)
	assert.Equal(t, "respuesta", messages[0].Content)
	assert.Equal(t, "pregunta", messages[1].Content)
	assert.Equal(t, int64(1700000000), messages[1].CreatedAt.Unix())
}

func TestLLMService_ThreadFileAndAssistant(t *testing.T) {
	var assistantBody map[string]any
	var purpose string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"thread_new","object":"thread","created_at":1700000000}`)
	})
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		purpose = r.FormValue("purpose")
		fmt.Fprint(w, `{"id":"file-new","object":"file","purpose":"assistants"}`)
	})
	mux.HandleFunc("POST /assistants", func(w http.ResponseWriter, r *http.Request) {
		assistantBody = decodeBody(t, r)
		fmt.Fprint(w, `{"id":"asst_new","object":"assistant"}`)
	})
	svc := newTestLLM(t, mux)
	ctx := context.Background()

	threadID, err := svc.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread_new", threadID)

	path := filepath.Join(t.TempDir(), "nomina.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o600))
	fileID, err := svc.UploadFile(ctx, FileUpload{Path: path, Name: "nomina.pdf", Purpose: PurposeAssistants})
	require.NoError(t, err)
	assert.Equal(t, "file-new", fileID)
	assert.Equal(t, PurposeAssistants, purpose)

	one := float32(1)
	assistantID, err := svc.CreateAssistant(ctx, AssistantSpec{Instructions: Persona, Model: "gpt-4o", Temperature: &one, KnowledgeStoreID: "vs_1"})
	require.NoError(t, err)
	assert.Equal(t, "asst_new", assistantID)
	assert.Equal(t, "Asistente laboral", assistantBody["name"])
	assert.Equal(t, "gpt-4o", assistantBody["model"])
	resources, ok := assistantBody["tool_resources"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"vector_store_ids": []any{"vs_1"}}, resources["file_search"])
}

func TestLLMService_RequestTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	svc := NewLLMService("sk-test", srv.URL, 50*time.Millisecond)
	t.Cleanup(svc.Close)

	started := time.Now()
	_, err := svc.CreateThread(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}
