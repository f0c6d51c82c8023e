package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/signup-agent/internal/httpapi"
	"github.com/aixgo-dev/signup-agent/internal/provider"
	"github.com/aixgo-dev/signup-agent/pkg/conversation"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

var (
	chatUser      string
	chatAnonymous bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the agent in the terminal",
	Long: `Starts an interactive session against the configured providers, or the
simulator when none are configured. Type a message, or the number of an
offered action to press it.

Commands:
  /reset   start a new session
  /quit    leave`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", getEnv("SIGNUP_CHAT_USER", "parent-1"), "User to sign in as")
	chatCmd.Flags().BoolVar(&chatAnonymous, "anonymous", false, "Chat without an identity token")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mandate.Secret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		cfg.Mandate.Secret = hex.EncodeToString(secret)
		log.Println("No mandate secret configured; using an ephemeral one")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.Debug {
		log.SetOutput(io.Discard)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{simOpts: []provider.Option{provider.WithAutoSatisfy()}})
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	c := &chatSession{conv: a.orchestrator, out: cmd.OutOrStdout(), sessionID: uuid.NewString()}
	if !chatAnonymous {
		c.token, err = security.IssueIdentity(ctx, a.codec, chatUser, 12*time.Hour, time.Now())
		if err != nil {
			return err
		}
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Fprintln(c.out, "Tell me what you'd like to sign up for. /quit to leave.")
	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := c.handle(ctx, input)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// chatSession turns terminal input into turns and action presses for one
// conversation.
type chatSession struct {
	conv      httpapi.Conversation
	out       io.Writer
	sessionID string
	token     string

	// offered holds the actions from the last response, numbered from 1.
	offered []conversation.Action
}

func (c *chatSession) handle(ctx context.Context, input string) (quit bool, err error) {
	input = strings.TrimSpace(input)
	switch input {
	case "/quit", "/exit":
		return true, nil
	case "/reset":
		c.sessionID = uuid.NewString()
		c.offered = nil
		fmt.Fprintln(c.out, "Started a new session.")
		return false, nil
	}

	var resp conversation.Response
	if n, convErr := strconv.Atoi(input); convErr == nil {
		if n < 1 || n > len(c.offered) {
			return false, fmt.Errorf("no action %d", n)
		}
		act := c.offered[n-1]
		resp, err = c.conv.HandleAction(ctx, conversation.ActionRequest{
			SessionID:     c.sessionID,
			Action:        act.Name,
			Payload:       act.Payload,
			IdentityToken: c.token,
		})
	} else {
		resp, err = c.conv.Respond(ctx, conversation.TurnRequest{
			SessionID:     c.sessionID,
			Text:          input,
			IdentityToken: c.token,
		})
	}
	if err != nil {
		return false, err
	}
	c.offered = render(c.out, resp)
	return false, nil
}

// render prints resp and returns its actions in the order they were
// numbered: card actions first, then the response's own.
func render(w io.Writer, resp conversation.Response) []conversation.Action {
	fmt.Fprintf(w, "agent> %s\n", resp.Message)

	var offered []conversation.Action
	number := func(a conversation.Action) string {
		offered = append(offered, a)
		return fmt.Sprintf("[%d] %s", len(offered), a.Label)
	}
	for _, card := range resp.Cards {
		fmt.Fprintf(w, "  * %s", card.Title)
		if card.Subtitle != "" {
			fmt.Fprintf(w, " (%s)", card.Subtitle)
		}
		fmt.Fprintln(w)
		if card.Body != "" {
			fmt.Fprintf(w, "      %s\n", card.Body)
		}
		for _, a := range card.Actions {
			fmt.Fprintf(w, "      %s\n", number(a))
		}
	}
	for _, a := range resp.Actions {
		fmt.Fprintf(w, "  %s\n", number(a))
	}
	return offered
}
