package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/gateway"
)

func buildChatCmd(cf *clientFlags) *cobra.Command {
	var (
		deviceID       string
		conversationID string
		showCalls      bool
	)

	cmd := &cobra.Command{
		Use:   "chat [MESSAGE...]",
		Short: "Talk to the agent about one device",
		Long: `Send a message to the agent. With a message argument, one turn is run and
the answer printed. Without one, messages are read line by line from stdin;
on a terminal this is an interactive prompt. Turns share one conversation.`,
		Example: `  orion chat --device laptop-1 "find my tax pdfs in /home/me/docs"
  orion chat --device laptop-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &chatSession{
				client:         cf.client(),
				deviceID:       deviceID,
				conversationID: conversationID,
				showCalls:      showCalls,
				out:            cmd.OutOrStdout(),
			}
			if len(args) > 0 {
				return s.turn(cmd.Context(), strings.Join(args, " "))
			}
			in := cmd.InOrStdin()
			return s.repl(cmd.Context(), in, isTerminal(in))
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Target device id (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().BoolVar(&showCalls, "show-calls", true, "Print the tool calls made during each turn")
	_ = cmd.MarkFlagRequired("device") //nolint:errcheck
	return cmd
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type chatSession struct {
	client         *apiClient
	deviceID       string
	conversationID string
	showCalls      bool
	out            io.Writer
}

func (s *chatSession) repl(ctx context.Context, in io.Reader, interactive bool) error {
	prompt := color.New(color.FgCyan)
	if interactive {
		fmt.Fprintf(s.out, "Chatting with %s. Type /exit to quit.\n", s.deviceID)
	}
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			prompt.Fprint(s.out, "> ") //nolint:errcheck
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := s.turn(ctx, line); err != nil {
			if !interactive {
				return err
			}
			color.New(color.FgRed).Fprintf(s.out, "error: %v\n", err) //nolint:errcheck
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *chatSession) turn(ctx context.Context, message string) error {
	var result agent.TurnResult
	err := s.client.postJSON(ctx, "/api/chat", gateway.ChatRequest{
		ConversationID: s.conversationID,
		DeviceID:       s.deviceID,
		Message:        message,
	}, &result)
	if err != nil {
		return err
	}
	s.conversationID = result.ConversationID

	if s.showCalls {
		for _, call := range result.ToolCalls {
			printToolCall(s.out, call)
		}
	}
	fmt.Fprintln(s.out, result.Answer)
	if result.LimitExceeded {
		color.New(color.FgYellow).Fprintln(s.out, "(tool call limit reached)") //nolint:errcheck
	}
	return nil
}

func printToolCall(out io.Writer, call agent.ToolCallRecord) {
	dim := color.New(color.Faint)
	switch {
	case !call.Verdict.Allowed:
		dim.Fprintf(out, "  [%s denied: %s]\n", call.Tool, call.Verdict.Code) //nolint:errcheck
	case call.Success:
		dim.Fprintf(out, "  [%s ok]\n", call.Tool) //nolint:errcheck
	default:
		dim.Fprintf(out, "  [%s failed: %s]\n", call.Tool, call.Code) //nolint:errcheck
	}
}
