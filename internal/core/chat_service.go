package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/events"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/utils"
)

// Publisher delivers live snapshots of a reply.
type Publisher interface {
	Publish(ev events.Event) int
}

// TurnRequest is one inbound chat message.
type TurnRequest struct {
	UserID         int64
	Text           string
	Upload         *Upload
	Topic          string
	KnowledgeStore string
}

type TurnResult struct {
	Response string `json:"response"`
	FileID   string `json:"fileId,omitempty"`
}

// ChatService runs assistant turns: it assembles the message, starts a streaming run
// and publishes the sanitized reply as it grows.
type ChatService struct {
	store      UserStore
	api        AssistantAPI
	documents  *DocumentRegistry
	threads    *ThreadManager
	selector   AssistantSelector
	publisher  Publisher
	metrics    *Metrics
	runTimeout time.Duration
}

func NewChatService(
	s UserStore,
	api AssistantAPI,
	documents *DocumentRegistry,
	threads *ThreadManager,
	selector AssistantSelector,
	publisher Publisher,
	metrics *Metrics,
	runTimeout time.Duration,
) *ChatService {
	return &ChatService{
		store:      s,
		api:        api,
		documents:  documents,
		threads:    threads,
		selector:   selector,
		publisher:  publisher,
		metrics:    metrics,
		runTimeout: runTimeout,
	}
}

func (s *ChatService) Threads() *ThreadManager {
	return s.threads
}

// RunTurn answers one message. The returned text equals the content of the last
// published event.
func (s *ChatService) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	started := time.Now()
	result, err := s.runTurn(ctx, req)
	s.metrics.observeTurn(turnOutcome(err), started)
	return result, err
}

func (s *ChatService) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Text) == "" && req.Upload == nil {
		return nil, &ValidationError{Field: "messages", Reason: "message is empty"}
	}

	user, err := s.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", req.UserID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	contract, err := s.store.GetContractByUserID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contract for user %d: %w", req.UserID, err)
	}

	if err := s.documents.Validate(req.Upload); err != nil {
		return nil, err
	}

	threadID, err := s.threads.GetOrCreateThread(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.selector.Select(ctx, user, Selection{Topic: req.Topic, KnowledgeStore: req.KnowledgeStore})
	if err != nil {
		return nil, err
	}

	// Uploads go last so a failed thread or selection leaves no remote file behind.
	attachments, err := s.documents.ResolveAttachments(ctx, user, req.Upload)
	if err != nil {
		return nil, err
	}

	tc := TurnContext{User: user, Contract: contract, Documents: attachments.Documents}
	if cfg.Instructions == "" {
		if cfg.Instructions, err = RenderInstructions(tc); err != nil {
			return nil, err
		}
	}
	userContext, err := RenderUserContext(tc)
	if err != nil {
		return nil, err
	}

	if cfg.KnowledgeStoreID != "" {
		if err := s.api.BindKnowledgeStore(ctx, threadID, cfg.KnowledgeStoreID); err != nil {
			return nil, upstream("bind knowledge store", err)
		}
	}

	msg := MessagePayload{
		Role:        RoleUser,
		Text:        composeMessageText(req.Text, userContext),
		ImageFileID: attachments.ImageFileID,
		Attachments: attachments.Attachments,
	}
	if _, err := s.api.CreateMessage(ctx, threadID, msg); err != nil {
		return nil, upstream("create message", err)
	}

	slog.Info("Starting assistant run",
		"user_id", req.UserID,
		"thread_id", threadID,
		"assistant_id", cfg.AssistantID,
		"knowledge_store", cfg.KnowledgeStoreID,
		"attachments", len(msg.Attachments),
		"image", msg.ImageFileID != "",
	)

	response, err := s.streamReply(ctx, req.UserID, threadID, cfg)
	if err != nil {
		return nil, err
	}
	return &TurnResult{Response: response, FileID: attachments.UploadedFileID}, nil
}

// streamReply drives the run until it ends, publishing the sanitized accumulated text
// after every delta.
func (s *ChatService) streamReply(ctx context.Context, userID int64, threadID string, cfg RunConfiguration) (string, error) {
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	stream, err := s.api.StreamRun(ctx, threadID, RunRequest{
		AssistantID:            cfg.AssistantID,
		Model:                  cfg.Model,
		AdditionalInstructions: cfg.Instructions,
		Temperature:            cfg.Temperature,
		TopP:                   cfg.TopP,
	})
	if err != nil {
		return "", upstream("start run", err)
	}
	defer stream.Close()

	uid := strconv.FormatInt(userID, 10)
	var raw strings.Builder
	sanitized := ""

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", upstream("read run stream", err)
		}

		switch e := ev.(type) {
		case MessageDelta:
			raw.WriteString(e.Text)
			sanitized = utils.Sanitize(raw.String())
			s.metrics.delta()
			s.publisher.Publish(events.Event{
				ThreadID: threadID,
				UserID:   uid,
				Content:  sanitized,
				Role:     RoleAssistant,
			})
		case RunCompleted:
			slog.Debug("Assistant run completed", "thread_id", threadID, "run_id", e.RunID)
		case RunFailed:
			return "", upstream("run "+e.Status, fmt.Errorf("run %s: %s %s", e.RunID, e.Code, e.Message))
		case StreamError:
			return "", upstream("run stream", errors.New(e.Message))
		default:
			// Other event kinds carry nothing the client needs.
		}
	}
	return sanitized, nil
}

func turnOutcome(err error) string {
	var ve *ValidationError
	var ue *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrThreadNotFound):
		return "not_found"
	case errors.As(err, &ue):
		return "upstream_error"
	default:
		return "error"
	}
}
