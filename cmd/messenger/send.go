package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	messenger "github.com/fourier-hatchways/messenger-go"
	"github.com/spf13/cobra"
)

var sendConversationID int

func init() {
	sendCmd.Flags().IntVar(&sendConversationID, "conversation", 0, "existing conversation id (omit to start a new conversation)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <recipient-id> <text>",
	Short: "Send a direct message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("recipient-id must be an integer: %w", err)
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		body := messenger.SendMessageBody{
			RecipientID:    recipientID,
			ConversationID: sendConversationID,
			Text:           args[1],
		}
		if body.ConversationID == 0 {
			body.Sender = &messenger.User{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}
		}

		result, err := client.PostMessage(ctx, body)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Sent message %d in conversation %d\n", result.Message.ID, result.Message.ConversationID)
		return nil
	},
}
