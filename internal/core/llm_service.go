package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	assistantName         = "Asistente laboral"
	openAIBetaHeader      = "assistants=v2"
	historyPageLimit      = 100
	defaultRequestTimeout = time.Minute
)

// LLMService talks to the OpenAI threads/assistants API through go-openai. Image
// message content and streaming runs are sent directly because the client library has
// no typed support for them.
type LLMService struct {
	client         *openai.Client
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	requestTimeout time.Duration
}

// NewLLMService builds the client. requestTimeout bounds every call except the
// streaming run, which is bounded by the caller.
func NewLLMService(apiKey, baseURL string, requestTimeout time.Duration) *LLMService {
	baseURL = strings.TrimRight(baseURL, "/")
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	httpClient := &http.Client{}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = httpClient

	slog.Info("Initializing OpenAI assistants client", "base_url", baseURL, "request_timeout", requestTimeout)
	return &LLMService{
		client:         openai.NewClientWithConfig(cfg),
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		requestTimeout: requestTimeout,
	}
}

func (s *LLMService) Close() {
	s.httpClient.CloseIdleConnections()
	slog.Info("OpenAI client closed.")
}

func (s *LLMService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.requestTimeout)
}

func (s *LLMService) CreateThread(ctx context.Context) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	thread, err := s.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("openai create thread failed: %w", err)
	}
	return thread.ID, nil
}

func (s *LLMService) UploadFile(ctx context.Context, file FileUpload) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	f, err := s.client.CreateFile(ctx, openai.FileRequest{
		FileName: file.Name,
		FilePath: file.Path,
		Purpose:  file.Purpose,
	})
	if err != nil {
		return "", fmt.Errorf("openai file upload failed: %w", err)
	}
	return f.ID, nil
}

func (s *LLMService) CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	name := spec.Name
	if name == "" {
		name = assistantName
	}
	instructions := spec.Instructions

	req := openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        []openai.AssistantTool{{Type: openai.AssistantToolTypeFileSearch}},
		Temperature:  spec.Temperature,
		TopP:         spec.TopP,
	}
	if spec.KnowledgeStoreID != "" {
		req.ToolResources = &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{VectorStoreIDs: []string{spec.KnowledgeStoreID}},
		}
	}

	asst, err := s.client.CreateAssistant(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai create assistant failed: %w", err)
	}
	return asst.ID, nil
}

type contentPart struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	ImageFile *openai.ImageFile `json:"image_file,omitempty"`
}

// imageMessageRequest is a message whose content is a text + image_file array.
// openai.MessageRequest only carries string content.
type imageMessageRequest struct {
	Role        string                    `json:"role"`
	Content     []contentPart             `json:"content"`
	Attachments []openai.ThreadAttachment `json:"attachments,omitempty"`
}

func threadAttachments(in []Attachment) []openai.ThreadAttachment {
	var out []openai.ThreadAttachment
	for _, a := range in {
		ta := openai.ThreadAttachment{FileID: a.FileID}
		for _, tool := range a.Tools {
			ta.Tools = append(ta.Tools, openai.ThreadAttachmentTool{Type: tool})
		}
		out = append(out, ta)
	}
	return out
}

func (s *LLMService) CreateMessage(ctx context.Context, threadID string, msg MessagePayload) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	role := msg.Role
	if role == "" {
		role = RoleUser
	}

	if msg.ImageFileID == "" {
		m, err := s.client.CreateMessage(ctx, threadID, openai.MessageRequest{
			Role:        role,
			Content:     msg.Text,
			Attachments: threadAttachments(msg.Attachments),
		})
		if err != nil {
			return "", fmt.Errorf("openai create message failed: %w", err)
		}
		return m.ID, nil
	}

	body := imageMessageRequest{
		Role: role,
		Content: []contentPart{
			{Type: "text", Text: msg.Text},
			{Type: "image_file", ImageFile: &openai.ImageFile{FileID: msg.ImageFileID}},
		},
		Attachments: threadAttachments(msg.Attachments),
	}
	var out struct {
		ID string `json:"id"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := s.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("openai create message failed: %w", err)
	}
	return out.ID, nil
}

func (s *LLMService) BindKnowledgeStore(ctx context.Context, threadID, storeID string) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	_, err := s.client.ModifyThread(ctx, threadID, openai.ModifyThreadRequest{
		ToolResources: &openai.ToolResources{
			FileSearch: &openai.FileSearchToolResources{VectorStoreIDs: []string{storeID}},
		},
	})
	if err != nil {
		return fmt.Errorf("openai bind knowledge store failed: %w", err)
	}
	return nil
}

type createRunRequest struct {
	AssistantID            string   `json:"assistant_id"`
	Model                  string   `json:"model,omitempty"`
	AdditionalInstructions string   `json:"additional_instructions,omitempty"`
	Temperature            *float32 `json:"temperature,omitempty"`
	TopP                   *float32 `json:"top_p,omitempty"`
	Stream                 bool     `json:"stream"`
}

func (s *LLMService) StreamRun(ctx context.Context, threadID string, run RunRequest) (RunStream, error) {
	body := createRunRequest{
		AssistantID:            run.AssistantID,
		Model:                  run.Model,
		AdditionalInstructions: run.AdditionalInstructions,
		Temperature:            run.Temperature,
		TopP:                   run.TopP,
		Stream:                 true,
	}
	req, err := s.newRequest(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai stream run request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, fmt.Errorf("openai stream run failed: %w", decodeAPIError(resp))
	}
	return newRunStream(resp.Body), nil
}

func (s *LLMService) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	limit, order := historyPageLimit, "desc"
	list, err := s.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("openai list messages failed: %w", err)
	}

	messages := make([]ThreadMessage, 0, len(list.Messages))
	for _, m := range list.Messages {
		var text strings.Builder
		for _, part := range m.Content {
			if part.Type == "text" && part.Text != nil {
				text.WriteString(part.Text.Value)
			}
		}
		messages = append(messages, ThreadMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   text.String(),
			CreatedAt: time.Unix(int64(m.CreatedAt), 0).UTC(),
		})
	}
	return messages, nil
}

func (s *LLMService) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("OpenAI-Beta", openAIBetaHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (s *LLMService) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := s.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError turns an error response into the go-openai error type so that callers
// see the same error shape for every endpoint.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp openai.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil {
		errResp.Error.HTTPStatusCode = resp.StatusCode
		return errResp.Error
	}
	return &openai.APIError{
		HTTPStatusCode: resp.StatusCode,
		Message:        strings.TrimSpace(string(raw)),
	}
}
