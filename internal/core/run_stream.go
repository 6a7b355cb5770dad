package core

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tmaxmax/go-sse"
)

const maxRunEventBytes = 1 << 20

// Run stream event names sent by the assistants API.
const (
	eventMessageDelta  = "thread.message.delta"
	eventRunCompleted  = "thread.run.completed"
	eventRunFailed     = "thread.run.failed"
	eventRunCancelled  = "thread.run.cancelled"
	eventRunExpired    = "thread.run.expired"
	eventRunIncomplete = "thread.run.incomplete"
	eventError         = "error"
	eventDone          = "done"
)

// sseRunStream turns the events of a text/event-stream body into StreamEvent values.
type sseRunStream struct {
	body io.ReadCloser
	next func() (sse.Event, error, bool)
	stop func()
	done bool
}

func newRunStream(body io.ReadCloser) *sseRunStream {
	events := iter.Seq2[sse.Event, error](sse.Read(body, &sse.ReadConfig{MaxEventSize: maxRunEventBytes}))
	next, stop := iter.Pull2(events)
	return &sseRunStream{body: body, next: next, stop: stop}
}

func (s *sseRunStream) Recv() (StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}

	ev, err, ok := s.next()
	if !ok {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		s.done = true
		return nil, fmt.Errorf("reading run stream: %w", err)
	}
	return s.dispatch(ev.Type, ev.Data)
}

func (s *sseRunStream) dispatch(name, data string) (StreamEvent, error) {
	if name == eventDone || data == "[DONE]" {
		s.done = true
		return nil, io.EOF
	}
	return decodeRunEvent(name, data)
}

func (s *sseRunStream) Close() error {
	s.done = true
	err := s.body.Close()
	s.stop()
	return err
}

type messageDeltaPayload struct {
	ID    string `json:"id"`
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type runPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type errorPayload struct {
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decodeRunEvent(name, data string) (StreamEvent, error) {
	switch name {
	case eventMessageDelta:
		var p messageDeltaPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		var text strings.Builder
		for _, c := range p.Delta.Content {
			if c.Type == "text" {
				text.WriteString(c.Text.Value)
			}
		}
		return MessageDelta{MessageID: p.ID, Text: text.String()}, nil

	case eventRunCompleted:
		var p runPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		return RunCompleted{RunID: p.ID}, nil

	case eventRunFailed, eventRunCancelled, eventRunExpired, eventRunIncomplete:
		var p runPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev := RunFailed{RunID: p.ID, Status: p.Status}
		if ev.Status == "" {
			ev.Status = strings.TrimPrefix(name, "thread.run.")
		}
		if p.LastError != nil {
			ev.Code = p.LastError.Code
			ev.Message = p.LastError.Message
		}
		return ev, nil

	case eventError:
		var p errorPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return StreamError{Message: data}, nil
		}
		msg := p.Message
		if p.Error != nil && p.Error.Message != "" {
			msg = p.Error.Message
		}
		return StreamError{Message: msg}, nil

	default:
		return UnknownEvent{Name: name}, nil
	}
}
