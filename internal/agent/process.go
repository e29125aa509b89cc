package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/Sophanos/saga-sub007/internal/chat"
	"github.com/Sophanos/saga-sub007/internal/domain"
)

// Process runs a local agent command once per turn. The payload is written to
// its stdin as one JSON line and every stdout line is a Frame.
type Process struct {
	Command string
	Args    []string
	Env     map[string]string
}

var _ chat.Transport = (*Process)(nil)

// Send starts the command and streams its frames into h. Cancelling ctx kills
// the process.
func (p *Process) Send(ctx context.Context, payload chat.Payload, h chat.Handlers) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", p.Command, err)
	}
	if err := cmd.Start(); err != nil {
		return domain.WrapEngineError(domain.ErrTransportFailed, "start agent "+p.Command, err)
	}

	ended, turnErr := readFrames(stdout, h)
	if ended && turnErr == nil {
		// Output after done is ignored.
		_, _ = io.Copy(io.Discard, stdout)
	} else if turnErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return domain.WrapEngineError(domain.ErrStreamAborted, "agent turn", ctx.Err())
	case ended || turnErr != nil:
		return turnErr
	case waitErr != nil:
		msg := "agent " + p.Command
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ": " + lastLine(s)
		}
		return domain.WrapEngineError(domain.ErrTransportFailed, msg, waitErr)
	default:
		return domain.NewEngineError(domain.ErrTransportProtocol, "agent exited before done")
	}
}

// readFrames dispatches stdout lines until the turn ends or the stream does.
func readFrames(r io.Reader, h chat.Handlers) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		f, err := parseFrame(line)
		if err != nil {
			return false, err
		}
		if end, err := dispatch(f, h); end {
			return true, err
		}
	}
	if err := scanner.Err(); err != nil {
		return false, domain.WrapEngineError(domain.ErrTransportProtocol, "read agent output", err)
	}
	return false, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
