package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	pingme "github.com/pingme-chat/pingme-go"
	"github.com/spf13/cobra"
)

var (
	chatsJSON  bool
	chatsAll   bool
	groupsJSON bool
	searchJSON bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	chatsCmd.Flags().BoolVar(&chatsAll, "all", false, "Include group conversations")
	groupsCmd.Flags().BoolVar(&groupsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(chatsCmd)
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(newChatCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List direct conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		cache := pingme.NewSummaryCache(client, &pingme.SummariesOptions{Logger: &logger})
		list := cache.Direct
		if chatsAll {
			list = cache.List
		}
		items, err := list(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, s := range items {
			printSummary(s, cfg.Auth.UserID)
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List group conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		items, err := client.Groups(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupsJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, s := range items {
			printSummary(s, cfg.Auth.UserID)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Find users by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if searchJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Printf("No users match %q.\n", args[0])
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-26s %s\n", u.ID, u.Name)
		}
		return nil
	},
}

var newChatCmd = &cobra.Command{
	Use:   "new-chat <user-id>",
	Short: "Start a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		cache := pingme.NewSummaryCache(client, &pingme.SummariesOptions{Logger: &logger})
		conv, err := cache.CreateConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		if conv.ID == "" {
			fmt.Println("Conversation created.")
			return nil
		}
		printSummary(*conv, cfg.Auth.UserID)
		return nil
	},
}

func printSummary(s pingme.ConversationSummary, self string) {
	title := s.Name
	if title == "" {
		var names []string
		for _, p := range s.Participants {
			if p.ID != self {
				names = append(names, valueOrDefault(p.Name, p.ID))
			}
		}
		title = strings.Join(names, ", ")
	}
	fmt.Printf("%-26s %-24s %-14s %s\n", s.ID, title, relTime(s.LastActivity()), s.LastMessageText)
}
