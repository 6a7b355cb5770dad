package core

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// ToolFileSearch is the capability requested for document attachments.
	ToolFileSearch = "file_search"

	PurposeAssistants = "assistants"
	PurposeVision     = "vision"
)

// AssistantAPI is the external threads/assistants provider.
type AssistantAPI interface {
	CreateThread(ctx context.Context) (string, error)
	CreateMessage(ctx context.Context, threadID string, msg MessagePayload) (string, error)
	// BindKnowledgeStore makes the knowledge store searchable from the thread.
	BindKnowledgeStore(ctx context.Context, threadID, storeID string) error
	StreamRun(ctx context.Context, threadID string, run RunRequest) (RunStream, error)
	UploadFile(ctx context.Context, file FileUpload) (string, error)
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
	// ListMessages returns the thread messages newest first.
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}

// MessagePayload is the unit submitted to a thread for one user turn.
type MessagePayload struct {
	Role        string
	Text        string
	ImageFileID string
	Attachments []Attachment
}

// Attachment references an uploaded document and the tool the model should read it with.
type Attachment struct {
	FileID string
	Tools  []string
}

type RunRequest struct {
	AssistantID            string
	Model                  string
	AdditionalInstructions string
	Temperature            *float32
	TopP                   *float32
}

type FileUpload struct {
	Path    string
	Name    string
	Purpose string
}

type AssistantSpec struct {
	Name             string
	Instructions     string
	Model            string
	Temperature      *float32
	TopP             *float32
	KnowledgeStoreID string
}

type ThreadMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStream yields the events of one streaming run. Recv returns io.EOF once the run ends.
type RunStream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// StreamEvent is one of MessageDelta, RunCompleted, RunFailed, StreamError or UnknownEvent.
type StreamEvent interface {
	streamEvent()
}

type MessageDelta struct {
	MessageID string
	Text      string
}

type RunCompleted struct {
	RunID string
}

type RunFailed struct {
	RunID   string
	Status  string
	Code    string
	Message string
}

type StreamError struct {
	Message string
}

type UnknownEvent struct {
	Name string
}

func (MessageDelta) streamEvent() {}
func (RunCompleted) streamEvent() {}
func (RunFailed) streamEvent()    {}
func (StreamError) streamEvent()  {}
func (UnknownEvent) streamEvent() {}
