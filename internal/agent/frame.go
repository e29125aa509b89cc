// Package agent streams chat turns to an agent over a websocket or through a
// local agent process speaking JSON lines.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/chat"
	"github.com/Sophanos/saga-sub007/internal/domain"
)

// Frame types sent by an agent.
const (
	FrameContext = "context"
	FrameDelta   = "delta"
	FrameTool    = "tool"
	FrameDone    = "done"
	FrameError   = "error"
)

// Frame is one message of an agent turn.
type Frame struct {
	Type    string               `json:"type"`
	Items   []domain.ContextItem `json:"items,omitempty"`
	Text    string               `json:"text,omitempty"`
	Tool    *chat.ToolEvent      `json:"tool,omitempty"`
	Code    int                  `json:"code,omitempty"`
	Message string               `json:"message,omitempty"`
}

// parseFrame converts one JSON document into a Frame.
func parseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, domain.WrapEngineError(domain.ErrTransportProtocol, "decode frame", err)
	}
	if f.Type == "" {
		return Frame{}, domain.NewEngineError(domain.ErrTransportProtocol, "frame has no type field")
	}
	return f, nil
}

// dispatch hands f to h. It reports whether the turn is over; an error frame
// ends the turn with the agent's error.
func dispatch(f Frame, h chat.Handlers) (bool, error) {
	switch f.Type {
	case FrameContext:
		if h.OnContext != nil {
			h.OnContext(f.Items)
		}
	case FrameDelta:
		if h.OnDelta != nil && f.Text != "" {
			h.OnDelta(f.Text)
		}
	case FrameTool:
		if f.Tool == nil {
			return true, domain.NewEngineError(domain.ErrTransportProtocol, "tool frame without tool")
		}
		if h.OnTool != nil {
			h.OnTool(*f.Tool)
		}
	case FrameDone:
		if h.OnDone != nil {
			h.OnDone()
		}
		return true, nil
	case FrameError:
		return true, agentError(f)
	default:
		return true, domain.NewEngineError(domain.ErrTransportProtocol, fmt.Sprintf("unknown frame type %q", f.Type))
	}
	return false, nil
}

func agentError(f Frame) error {
	msg := f.Message
	if msg == "" {
		msg = "agent reported an error"
	}
	switch f.Code {
	case domain.ErrStreamAborted.Code:
		return domain.NewEngineError(domain.ErrStreamAborted, msg)
	case domain.ErrUnauthorized.Code:
		return domain.NewEngineError(domain.ErrUnauthorized, msg)
	case domain.ErrRateLimitExceeded.Code:
		return domain.NewEngineError(domain.ErrRateLimitExceeded, msg)
	}
	return domain.NewEngineError(domain.ErrTransportFailed, msg)
}
