package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/observability"
)

// FallbackContent replaces an empty assistant message when its turn failed.
const FallbackContent = "Something went wrong while generating a response. Please try again."

// Payload is what a turn sends to the agent.
type Payload struct {
	ProjectID string           `json:"project_id"`
	History   []domain.Message `json:"history"`
	Mentions  []domain.Mention `json:"mentions,omitempty"`
}

// Handlers receive the stream of one turn, in order.
type Handlers struct {
	OnContext func(items []domain.ContextItem)
	OnDelta   func(text string)
	OnTool    func(ev ToolEvent)
	OnDone    func()
	OnError   func(err error)
}

// Transport streams one agent turn. Send blocks until the turn ends or ctx is
// cancelled; a cancelled Send must stop calling handlers promptly.
type Transport interface {
	Send(ctx context.Context, p Payload, h Handlers) error
}

// Outcome of a finished run.
const (
	OutcomeDone    = "done"
	OutcomeAborted = "aborted"
	OutcomeError   = "error"
)

// run is the handle of one in-flight turn.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	messageID string
	once      sync.Once
	closed    bool
	done      chan struct{}
}

// Session streams agent turns into a conversation. Only one turn is active
// at a time: sending a new message supersedes the running one.
type Session struct {
	projectID string
	transport Transport
	conv      *Conversation
	tracker   *Tracker
	now       func() time.Time

	// sendMu serializes SendMessage so that superseding a turn and installing
	// the next one happen as one step.
	sendMu sync.Mutex

	mu         sync.Mutex
	current    *run
	context    []domain.ContextItem
	onFinalize func(messageID, outcome string)
}

// NewSession creates a session for projectID. Tool events are tracked by
// tracker, whose changes are mirrored into tool messages of the conversation.
func NewSession(projectID string, t Transport, tracker *Tracker) *Session {
	if tracker == nil {
		tracker = NewTracker(nil, nil)
	}
	s := &Session{
		projectID: projectID,
		transport: t,
		conv:      NewConversation(),
		tracker:   tracker,
		now:       time.Now,
	}
	tracker.OnChange(s.mirrorTool)
	return s
}

// Conversation returns the session's message log.
func (s *Session) Conversation() *Conversation { return s.conv }

// Tracker returns the session's tool invocation tracker.
func (s *Session) Tracker() *Tracker { return s.tracker }

// OnFinalize registers fn to run once per turn when it ends.
func (s *Session) OnFinalize(fn func(messageID, outcome string)) {
	s.mu.Lock()
	s.onFinalize = fn
	s.mu.Unlock()
}

// Context returns the context items reported for the latest turn.
func (s *Session) Context() []domain.ContextItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ContextItem(nil), s.context...)
}

// SendMessage starts a new turn with content. A running turn is cancelled and
// finalized first. The turn streams in the background; use Wait to block
// until it ends.
func (s *Session) SendMessage(ctx context.Context, content string, mentions []domain.Mention) error {
	if strings.TrimSpace(content) == "" {
		return domain.ErrEmptyMessage
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.Stop()

	now := s.now()
	s.conv.SetError("")
	s.conv.Append(domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: now,
		Mentions:  mentions,
		Kind:      domain.KindText,
	})
	payload := Payload{ProjectID: s.projectID, History: s.conv.History(), Mentions: mentions}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: runCtx, cancel: cancel, messageID: uuid.NewString(), done: make(chan struct{})}
	s.conv.Append(domain.Message{
		ID:          r.messageID,
		Role:        domain.RoleAssistant,
		Timestamp:   now,
		IsStreaming: true,
		Kind:        domain.KindText,
	})

	s.mu.Lock()
	s.current = r
	s.context = nil
	s.mu.Unlock()

	observability.StreamStarted(ctx)
	go s.stream(r, payload)
	return nil
}

func (s *Session) stream(r *run, p Payload) {
	defer close(r.done)
	defer r.cancel()

	err := s.transport.Send(r.ctx, p, s.handlers(r))
	if err != nil {
		s.fail(r, err)
		return
	}
	s.finalize(r, OutcomeDone, nil)
}

func (s *Session) handlers(r *run) Handlers {
	return Handlers{
		OnContext: func(items []domain.ContextItem) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.live(r) {
				s.context = append(s.context, items...)
			}
		},
		OnDelta: func(text string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if !s.live(r) {
				return
			}
			s.conv.Update(r.messageID, func(m *domain.Message) {
				if m.IsStreaming {
					m.Content += text
				}
			})
		},
		OnTool: func(ev ToolEvent) {
			s.mu.Lock()
			live := s.live(r)
			s.mu.Unlock()
			if !live {
				return
			}
			if _, err := s.tracker.Observe(ev); err != nil {
				observability.Logger().Warn("dropping tool event", "error", err)
			}
		},
		OnDone:  func() { s.finalize(r, OutcomeDone, nil) },
		OnError: func(err error) { s.fail(r, err) },
	}
}

// live reports whether r may still write. Callers hold s.mu.
func (s *Session) live(r *run) bool {
	return !r.closed && r.ctx.Err() == nil
}

// fail ends r with err. Cancellation ends it silently.
func (s *Session) fail(r *run, err error) {
	if r.ctx.Err() != nil || domain.KindOf(err) == domain.KindAbort {
		s.finalize(r, OutcomeAborted, nil)
		return
	}
	s.finalize(r, OutcomeError, err)
}

// finalize closes the assistant message of r. Only the first call per run
// has any effect.
func (s *Session) finalize(r *run, outcome string, err error) {
	r.once.Do(func() {
		s.mu.Lock()
		r.closed = true
		s.conv.Update(r.messageID, func(m *domain.Message) {
			m.IsStreaming = false
			if err != nil && m.Content == "" {
				m.Content = FallbackContent
			}
		})
		if err != nil {
			s.conv.SetError(err.Error())
		}
		fn := s.onFinalize
		s.mu.Unlock()

		observability.StreamFinished(context.Background(), outcome)
		if err != nil {
			observability.Logger().Warn("agent turn failed", "message_id", r.messageID, "kind", domain.KindOf(err), "error", err)
		}
		if fn != nil {
			fn(r.messageID, outcome)
		}
	})
}

// mirrorTool keeps one tool message per tool call in the conversation.
func (s *Session) mirrorTool(inv domain.ToolInvocation) {
	id := "tool-" + inv.ToolCallID
	ts := s.now()
	if m, ok := s.conv.Get(id); ok {
		ts = m.Timestamp
	}
	inv.Args = cloneMap(inv.Args)
	s.conv.Upsert(domain.Message{
		ID:        id,
		Role:      domain.RoleAssistant,
		Timestamp: ts,
		Kind:      domain.KindTool,
		Tool:      &inv,
	})
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Wait blocks until the current turn ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the running turn, if any, and finalizes it.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.current
	s.current = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	s.finalize(r, OutcomeAborted, nil)
}

// Clear stops the running turn and forgets the conversation and its tool
// invocations.
func (s *Session) Clear() {
	s.Stop()
	s.tracker.Reset()
	s.conv.Clear()
	s.mu.Lock()
	s.context = nil
	s.mu.Unlock()
}
