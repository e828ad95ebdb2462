package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	orchestratorx "github.com/tanpawarit/argo-agent/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/argo-agent/agent/contract"
)

var (
	userStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	agentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	hintStyle  = lipgloss.NewStyle().Faint(true)
)

// chatService is the part of the orchestrator the chat loop drives.
type chatService interface {
	CreateSession(ctx context.Context) (contractx.Session, error)
	HandleMessage(ctx context.Context, sessionID string, text string) (orchestratorx.Reply, error)
	History(ctx context.Context, sessionID string) ([]contractx.Turn, error)
}

// runChat reads one message per line until EOF or "exit". Failed messages
// are reported and the session stays usable.
func runChat(ctx context.Context, svc chatService, sessionID string, in io.Reader, out io.Writer) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sess, err := svc.CreateSession(ctx)
		if err != nil {
			return err
		}
		sessionID = sess.ID
		fmt.Fprintln(out, hintStyle.Render("new session "+sessionID))
	} else {
		history, err := svc.History(ctx, sessionID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hintStyle.Render(fmt.Sprintf("resumed session %s (%d turns)", sessionID, len(history))))
	}
	fmt.Fprintln(out, hintStyle.Render(`type "exit" to quit`))

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, userStyle.Render("you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			return nil
		}

		reply, err := svc.HandleMessage(ctx, sessionID, line)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("[%s] %v", contractx.KindOf(err), err)))
			continue
		}
		fmt.Fprintln(out, agentStyle.Render("argo> ")+reply.Answer)
	}
	return scanner.Err()
}
