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
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", pingme.DefaultHistoryLimit, "Number of recent messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output normalized messages as JSON")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(deleteCmd)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		raws, err := client.FetchHistory(ctx, args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		set := pingme.NewMessageSet()
		dropped := 0
		for _, raw := range raws {
			m, err := pingme.Normalize(raw)
			if err != nil {
				logger.Debug().Err(err).Msg("Skipping malformed record")
				dropped++
				continue
			}
			set.UpsertIfAbsent(m)
		}

		if historyJSON {
			return printJSON(set.Sequence())
		}
		for _, m := range set.Sequence() {
			printMessage(m, cfg.Auth.UserID)
		}
		if dropped > 0 {
			fmt.Printf("(%d malformed records skipped)\n", dropped)
		}
		return nil
	},
}

// ============================================================================
// send / delete
// ============================================================================

// openConversation mounts conversationID in a fresh sync core for a one-shot
// mutation. The caller must Close the returned core.
func openConversation(ctx context.Context, conversationID string) (*pingme.ConversationSync, string, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, "", err
	}
	session := pingme.NewSession(cfg.Auth.Token, cfg.Auth.UserID)
	conv := pingme.NewConversationSync(session, client, newRealtime(cfg, false),
		pingme.WithSyncLogger(logger))
	// The core is Live even when history failed to load; only a dead
	// session stops the mutation.
	if err := conv.Open(ctx, conversationID); err != nil {
		if pingme.IsUnauthorized(err) {
			conv.Close()
			return nil, "", fmt.Errorf("session expired; run 'pingme login' again")
		}
		logger.Warn().Err(err).Msg("History unavailable")
	}
	return conv, cfg.Auth.UserID, nil
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, self, err := openConversation(ctx, args[0])
		if err != nil {
			return err
		}
		defer conv.Close()

		var sent *pingme.Message
		conv.On(pingme.EventSendSucceeded, func(_ string, p any) {
			m := p.(*pingme.SentPayload).Message
			sent = &m
		})
		if err := conv.SendMessage(ctx, strings.Join(args[1:], " ")); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sent != nil {
			printMessage(*sent, self)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, _, err := openConversation(ctx, args[0])
		if err != nil {
			return err
		}
		defer conv.Close()

		var shape pingme.DeleteShape
		conv.On(pingme.EventDeleteSucceeded, func(_ string, p any) {
			shape = p.(*pingme.DeletePayload).Attempt
		})

		found := false
		for _, m := range conv.Messages() {
			if m.ID == args[1] {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("message %s is not among the latest %d messages", args[1], pingme.DefaultHistoryLimit)
		}

		if err := conv.DeleteMessage(ctx, args[1]); err != nil {
			if pingme.IsUnauthorized(err) {
				return fmt.Errorf("session expired; run 'pingme login' again")
			}
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s (%s request)\n", args[1], shape)
		return nil
	},
}
