package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/events"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	store   *memStore
	api     *fakeAPI
	hub     *events.Hub
	metrics *Metrics
	service *ChatService
}

func newChatFixture(t *testing.T, users ...store.User) *chatFixture {
	t.Helper()
	s := newMemStore(users...)
	api := newFakeAPI()
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := events.NewHub(metrics)
	t.Cleanup(hub.Close)

	documents := NewDocumentRegistry(api, t.TempDir(), 0, metrics)
	threads := NewThreadManager(s, api, nil, metrics)
	selector := NewSharedSelector("asst_shared", "vs_default", nil)
	return &chatFixture{
		store:   s,
		api:     api,
		hub:     hub,
		metrics: metrics,
		service: NewChatService(s, api, documents, threads, selector, hub, metrics, time.Minute),
	}
}

func deltas(parts ...string) []StreamEvent {
	out := []StreamEvent{UnknownEvent{Name: "thread.run.created"}}
	for _, p := range parts {
		out = append(out, MessageDelta{MessageID: "msg_1", Text: p})
	}
	return append(out, RunCompleted{RunID: "run_1"})
}

func drain(c <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-c:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestChatService_RunTurnStreamsSanitizedSnapshots(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 7, FirstName: "Ana", Email: "ana@example.com"}, store.User{ID: 8})
	parts := []string{"**Existen", " contratos indefinidos", ", temporales y", " de formación**【4:0†fuente】."}
	f.api.runEvents = deltas(parts...)

	mine := f.hub.Subscribe(context.Background(), "7")
	other := f.hub.Subscribe(context.Background(), "8")

	result, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 7, Text: "¿Qué tipos de contratos existen?"})
	require.NoError(t, err)

	got := drain(mine.C)
	require.Len(t, got, len(parts))
	raw := ""
	for i, ev := range got {
		raw += parts[i]
		assert.Equal(t, utils.Sanitize(raw), ev.Content)
		assert.Equal(t, "thread_1", ev.ThreadID)
		assert.Equal(t, "7", ev.UserID)
		assert.Equal(t, RoleAssistant, ev.Role)
	}
	assert.Equal(t, got[len(got)-1].Content, result.Response)
	assert.NotContains(t, result.Response, "*")
	assert.NotContains(t, result.Response, "【")
	assert.Empty(t, result.FileID)
	assert.Empty(t, drain(other.C))

	msgs := f.api.messages["thread_1"]
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Text, "¿Qué tipos de contratos existen?\n\nUser Info:"))
	assert.Contains(t, msgs[0].Text, "Email: ana@example.com")

	assert.Equal(t, "vs_default", f.api.bound["thread_1"])
	require.Len(t, f.api.runs, 1)
	assert.Equal(t, "asst_shared", f.api.runs[0].AssistantID)
	assert.True(t, f.api.stream.closed)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(len(parts)), testutil.ToFloat64(f.metrics.DeltasTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ThreadsCreated))
}

func TestChatService_SecondTurnReusesThread(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 1})
	f.api.runEvents = deltas("hola")

	_, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 1, Text: "uno"})
	require.NoError(t, err)
	_, err = f.service.RunTurn(context.Background(), TurnRequest{UserID: 1, Text: "dos"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.api.threadCount())
	assert.Len(t, f.api.messages["thread_1"], 2)
}

func TestChatService_ImageUpload(t *testing.T) {
	user := documentUser()
	f := newChatFixture(t, *user)
	f.api.runEvents = deltas("Veo la imagen.")

	result, err := f.service.RunTurn(context.Background(), TurnRequest{
		UserID: 1,
		Text:   "¿Es correcta esta nómina?",
		Upload: textUpload("nomina.jpg", "\xff\xd8\xff"),
	})
	require.NoError(t, err)
	assert.Equal(t, "file-1", result.FileID)

	msg := f.api.messages["thread_1"][0]
	assert.Equal(t, "file-1", msg.ImageFileID)
	assert.Len(t, msg.Attachments, 3)
	assert.Contains(t, f.api.runs[0].AdditionalInstructions, "Nómina: archivo file-payroll")
}

func TestChatService_UnknownUser(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 3, Text: "hola"})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Zero(t, f.api.threadCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("not_found")))
}

func TestChatService_EmptyMessage(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 1})

	_, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 1, Text: "   "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, f.api.runs)
}

func TestChatService_RejectedUploadMakesNoExternalCalls(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 1})

	_, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 1, Text: "hola", Upload: textUpload("x.exe", "MZ")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, f.api.threadCount())
	assert.Empty(t, f.api.uploads)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UploadsRejected.WithLabelValues("type")))
}

func TestChatService_RunFailures(t *testing.T) {
	tests := []struct {
		name      string
		events    []StreamEvent
		streamErr error
		runErr    error
	}{
		{
			name:   "run failed",
			events: []StreamEvent{MessageDelta{Text: "Parcial"}, RunFailed{RunID: "run_1", Status: "failed", Code: "server_error"}},
		},
		{
			name:   "stream error event",
			events: []StreamEvent{StreamError{Message: "boom"}},
		},
		{
			name:      "transport error",
			events:    []StreamEvent{MessageDelta{Text: "Parcial"}},
			streamErr: errors.New("connection reset"),
		},
		{
			name:   "run rejected",
			runErr: errors.New("400 invalid assistant"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t, store.User{ID: 1})
			f.api.runEvents = tc.events
			f.api.streamErr = tc.streamErr
			f.api.runErr = tc.runErr

			result, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 1, Text: "hola"})
			assert.Nil(t, result)
			var ue *UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("upstream_error")))
		})
	}
}

func TestChatService_InvalidSelection(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 1})

	_, err := f.service.RunTurn(context.Background(), TurnRequest{UserID: 1, Text: "hola", KnowledgeStore: "vs_unknown"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, f.api.runs)
}

func TestChatService_InvalidSelectionUploadsNothing(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 1})

	_, err := f.service.RunTurn(context.Background(), TurnRequest{
		UserID:         1,
		Text:           "revisa mi nómina",
		Upload:         textUpload("nomina.pdf", "%PDF"),
		KnowledgeStore: "vs_unknown",
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "vectorID", ve.Field)
	assert.Empty(t, f.api.uploads)
	assert.Empty(t, f.api.runs)
}

func TestChatService_ThreadFailureUploadsNothing(t *testing.T) {
	f := newChatFixture(t, store.User{ID: 1})
	f.api.threadErr = errors.New("503 from provider")

	_, err := f.service.RunTurn(context.Background(), TurnRequest{
		UserID: 1,
		Text:   "mira",
		Upload: textUpload("foto.png", "\x89PNG"),
	})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Empty(t, f.api.uploads)
}
