package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
)

func strPtr(s string) *string { return &s }

type memStore struct {
	mu        sync.Mutex
	users     map[int64]store.User
	contracts map[int64]store.Contract
}

func newMemStore(users ...store.User) *memStore {
	s := &memStore{users: map[int64]store.User{}, contracts: map[int64]store.Contract{}}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *memStore) GetContractByUserID(_ context.Context, userID int64) (*store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) update(userID int64, fn func(u *store.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, store.ErrNoRows)
	}
	fn(&u)
	s.users[userID] = u
	return nil
}

func (s *memStore) SetThreadID(_ context.Context, userID int64, threadID string) error {
	return s.update(userID, func(u *store.User) { u.ThreadID = &threadID })
}

func (s *memStore) ClearThreadID(_ context.Context, userID int64) error {
	return s.update(userID, func(u *store.User) { u.ThreadID = nil })
}

func (s *memStore) SetAssistantID(_ context.Context, userID int64, assistantID string) error {
	return s.update(userID, func(u *store.User) { u.AssistantID = &assistantID })
}

func (s *memStore) user(id int64) store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

type fakeStream struct {
	events []StreamEvent
	err    error
	pos    int
	closed bool
}

func (f *fakeStream) Recv() (StreamEvent, error) {
	if f.pos < len(f.events) {
		ev := f.events[f.pos]
		f.pos++
		return ev, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, io.EOF
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// fakeAPI records every call and serves canned run events.
type fakeAPI struct {
	mu sync.Mutex

	threadDelay     time.Duration
	threadStarted   chan struct{}
	threadGate      chan struct{}
	threadErr       error
	threadsCreated  int
	messages        map[string][]MessagePayload
	bound           map[string]string
	runs            []RunRequest
	runEvents       []StreamEvent
	runErr          error
	streamErr       error
	stream          *fakeStream
	uploads         []FileUpload
	uploadedContent []string
	uploadErr       error
	assistants      []AssistantSpec
	history         []ThreadMessage
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: map[string][]MessagePayload{}, bound: map[string]string{}}
}

func (f *fakeAPI) CreateThread(ctx context.Context) (string, error) {
	if f.threadDelay > 0 {
		time.Sleep(f.threadDelay)
	}
	if f.threadStarted != nil {
		f.threadStarted <- struct{}{}
	}
	if f.threadGate != nil {
		select {
		case <-f.threadGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return "", f.threadErr
	}
	f.threadsCreated++
	return fmt.Sprintf("thread_%d", f.threadsCreated), nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, threadID string, msg MessagePayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[threadID] = append(f.messages[threadID], msg)
	return fmt.Sprintf("msg_%d", len(f.messages[threadID])), nil
}

func (f *fakeAPI) BindKnowledgeStore(_ context.Context, threadID, storeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[threadID] = storeID
	return nil
}

func (f *fakeAPI) StreamRun(_ context.Context, _ string, run RunRequest) (RunStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.stream = &fakeStream{events: f.runEvents, err: f.streamErr}
	return f.stream, nil
}

func (f *fakeAPI) UploadFile(_ context.Context, file FileUpload) (string, error) {
	content, err := os.ReadFile(file.Path)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, file)
	f.uploadedContent = append(f.uploadedContent, string(content))
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeAPI) CreateAssistant(_ context.Context, spec AssistantSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistants = append(f.assistants, spec)
	return fmt.Sprintf("asst_%d", len(f.assistants)), nil
}

func (f *fakeAPI) ListMessages(context.Context, string) ([]ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ThreadMessage(nil), f.history...), nil
}

func (f *fakeAPI) threadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threadsCreated
}

type countingLocker struct {
	mu    sync.Mutex
	locks int
	keys  []string
	inner sync.Mutex
}

func (l *countingLocker) Lock(_ context.Context, key string) (func(), error) {
	l.inner.Lock()
	l.mu.Lock()
	l.locks++
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return l.inner.Unlock, nil
}
