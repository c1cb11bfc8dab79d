package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	messenger "github.com/fourier-hatchways/messenger-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the live conversation state",
	Long:  "Connect the realtime channel, load the conversation snapshot, and print the conversation list every time it changes. Interrupt to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		level := zerolog.WarnLevel
		if watchVerbose {
			level = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()

		rt := messenger.NewRealtimeClient(&messenger.RealtimeConfig{
			BaseURL:       client.BaseURL(),
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        log,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer rt.Disconnect()

		me := messenger.User{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}
		session := messenger.NewSession(me, client, rt, log)
		defer session.Close()

		session.OnUpdate(func() {
			printConversations(session.Conversations())
		})
		session.LoadInitialState(ctx)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("bye")
		return nil
	},
}

func printConversations(convos []messenger.Conversation) {
	fmt.Printf("--- %d conversations ---\n", len(convos))
	for _, c := range convos {
		marker := " "
		if c.OtherUser.Online {
			marker = "*"
		}
		fmt.Printf("%s %-16s unread=%-3d %s\n", marker, c.OtherUser.Username, c.UnreadCount, c.LatestMessageText)
	}
}
