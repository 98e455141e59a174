package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"supportchat/internal/chat"
	"supportchat/internal/chatclient"
)

var (
	askServer       string
	askToken        string
	askUser         string
	askConversation string
	askModel        string

	askCmd = &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message to a running server and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
)

func init() {
	askCmd.Flags().StringVar(&askServer, "server", "http://127.0.0.1:8080", "base URL of the supportchat server")
	askCmd.Flags().StringVar(&askToken, "token", "", "bearer token (servers with AUTH_JWT_SECRET)")
	askCmd.Flags().StringVar(&askUser, "user", "cli", "X-User-ID to send when no token is given")
	askCmd.Flags().StringVarP(&askConversation, "conversation", "c", "", "continue an existing conversation")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "model to use")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []chatclient.Option{}
	if askToken != "" {
		opts = append(opts, chatclient.WithBearerToken(askToken))
	} else {
		opts = append(opts, chatclient.WithUserID(askUser))
	}
	client := chatclient.New(askServer, opts...)

	out := cmd.OutOrStdout()
	var streamErr error
	for ev, err := range client.Stream(ctx, chatclient.Request{
		ConversationID: askConversation,
		Message:        strings.Join(args, " "),
		Model:          askModel,
	}) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch e := ev.(type) {
		case chat.ConversationReady:
			cmd.PrintErrf("conversation %s (%s)\n", e.ConversationID, e.Model)
		case chat.ContentDelta:
			fmt.Fprint(out, e.Text)
		case chat.StreamError:
			streamErr = errors.New(e.Message)
		}
	}
	fmt.Fprintln(out)
	return streamErr
}
