package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Sophanos/saga-sub007/internal/agent"
	"github.com/Sophanos/saga-sub007/internal/chat"
	"github.com/Sophanos/saga-sub007/internal/registry"
)

const chatHelp = `Commands:
  /approve <tool-call-id>   approve a tool call waiting for confirmation
  /reject <tool-call-id>    reject it
  /tools                    list this conversation's tool calls
  /stop                     stop the running reply
  /clear                    forget the conversation
  /quit                     leave
`

func newChatCmd(opts *options) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent and confirm its tool calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := agent.New(opts.cfg.AgentURL, opts.cfg.AgentCommand, opts.userID)
			if err != nil {
				return err
			}
			out := &lockedWriter{w: cmd.OutOrStdout()}
			tracker := chat.NewTracker(registry.NewDefault(), opts.client())
			sess := chat.NewSession(project, &echoTransport{next: tr, out: out}, tracker)
			return runChat(cmd.Context(), sess, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// runChat reads lines from in until EOF or /quit. Interrupting a running
// reply stops it; interrupting at the prompt leaves.
func runChat(ctx context.Context, sess *chat.Session, in io.Reader, out io.Writer) error {
	fmt.Fprint(out, chatHelp)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			sess.Stop()
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runChatCommand(ctx, sess, line, out); quit {
				sess.Stop()
				return nil
			}
			continue
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := sess.SendMessage(turnCtx, line, nil)
		if err == nil {
			if werr := sess.Wait(turnCtx); werr != nil {
				sess.Stop()
			}
		}
		stop()
		fmt.Fprintln(out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		} else if msg := sess.Conversation().Err(); msg != "" {
			fmt.Fprintf(out, "error: %s\n", msg)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func runChatCommand(ctx context.Context, sess *chat.Session, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	tracker := sess.Tracker()
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/stop":
		sess.Stop()
	case "/clear":
		sess.Clear()
	case "/tools":
		for _, inv := range tracker.Invocations() {
			fmt.Fprintf(out, "%s\t%s\t%s", inv.ToolCallID, inv.ToolName, inv.Status)
			if inv.Error != "" {
				fmt.Fprintf(out, "\t%s", inv.Error)
			}
			fmt.Fprintln(out)
		}
	case "/approve", "/reject":
		if len(fields) != 2 {
			fmt.Fprintf(out, "usage: %s <tool-call-id>\n", fields[0])
			return false
		}
		decide := tracker.Approve
		if fields[0] == "/reject" {
			decide = tracker.Reject
		}
		inv, err := decide(ctx, fields[1])
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "%s\t%s\n", inv.ToolCallID, inv.Status)
		if inv.Error != "" {
			fmt.Fprintf(out, "  %s\n", inv.Error)
		}
	default:
		fmt.Fprint(out, chatHelp)
	}
	return false
}

// echoTransport prints a turn as it streams.
type echoTransport struct {
	next chat.Transport
	out  io.Writer
}

func (e *echoTransport) Send(ctx context.Context, p chat.Payload, h chat.Handlers) error {
	onDelta, onTool := h.OnDelta, h.OnTool
	h.OnDelta = func(text string) {
		if ctx.Err() == nil {
			io.WriteString(e.out, text)
		}
		onDelta(text)
	}
	h.OnTool = func(ev chat.ToolEvent) {
		if ctx.Err() == nil {
			fmt.Fprintf(e.out, "\n[tool %s %s %s]\n", ev.ToolName, ev.ToolCallID, ev.Status)
		}
		onTool(ev)
	}
	return e.next.Send(ctx, p, h)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
