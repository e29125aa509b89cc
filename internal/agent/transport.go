package agent

import (
	"github.com/Sophanos/saga-sub007/internal/chat"
	"github.com/Sophanos/saga-sub007/internal/domain"
)

// New picks the transport for a configured agent: a local process when
// command is given, otherwise a websocket to url.
func New(url string, command []string, userID string) (chat.Transport, error) {
	if len(command) > 0 {
		return &Process{Command: command[0], Args: command[1:], Env: map[string]string{"AGENT_USER_ID": userID}}, nil
	}
	if url == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidRequest, "no agent configured: set agent_url or agent_command")
	}
	return NewWebSocket(url, userID), nil
}
