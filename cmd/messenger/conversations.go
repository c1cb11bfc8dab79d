package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool
	searchJSON        bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(searchCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convos, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(convos, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convos) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convos {
			status := "offline"
			if c.OtherUser.Online {
				status = "online"
			}
			fmt.Printf("[%d] %-16s %-8s unread=%-3d %s\n",
				c.ID, c.OtherUser.Username, status, c.UnreadCount, c.LatestMessageText)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <username>",
	Short: "Search users by username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if searchJSON {
			data, err := json.MarshalIndent(users, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("[%d] %s\n", u.ID, u.Username)
		}
		return nil
	},
}
