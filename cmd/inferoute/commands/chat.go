package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/castilho/inferoute/pkg/inferoute/app"
	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// newChatCmd creates the `inferoute chat` command.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message through the pipeline",
		Long: `Send one message, or start an interactive session when no message is
given. Slash commands work the same as anywhere else:

  /pic a red fox in snow
  /search latest Go release
  /list

Examples:
  inferoute chat "How do invoices work?"
  inferoute chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().Int64("user", 1, "user id to act as")
	cmd.Flags().String("conversation", "", "conversation id (defaults to a fresh one)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, _ := cmd.Flags().GetInt64("user")
	convID, _ := cmd.Flags().GetString("conversation")
	if convID == "" {
		convID = store.NewTrackingID()
	}

	if len(args) > 0 {
		return sendMessage(cmd.Context(), a, userID, convID, args[0])
	}
	return runInteractive(cmd.Context(), a, userID, convID)
}

// sendMessage runs one message synchronously and streams output to stdout.
func sendMessage(ctx context.Context, a *app.App, userID int64, convID, text string) error {
	msg := &store.Message{
		OwnerID:        userID,
		ConversationID: convID,
		Direction:      store.DirectionIn,
		Text:           text,
	}
	if err := a.Messages.Create(msg); err != nil {
		return err
	}

	result := a.Orchestrator.ProcessStream(ctx, msg.ID, func(chunk string) {
		fmt.Print(chunk)
	})
	fmt.Println()

	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// runInteractive is the readline REPL.
func runInteractive(ctx context.Context, a *app.App, userID int64, convID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     os.TempDir() + "/inferoute_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("inferoute interactive session. Type 'exit' to quit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := sendMessage(ctx, a, userID, convID, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
