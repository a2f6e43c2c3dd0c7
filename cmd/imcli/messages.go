package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	realtime "github.com/leancloud/swift-sdk-sub001"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendReceipt   bool
	sendTransient bool
	sendTimeout   time.Duration

	// history
	historyLimit  int
	historyOldest bool
	historyCache  bool

	// create
	createName      string
	createTransient bool
	createUnique    bool

	// members
	membersTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(membersCmd)
	membersCmd.AddCommand(membersAddCmd)
	membersCmd.AddCommand(membersRemoveCmd)
	membersCmd.AddCommand(membersCountCmd)

	sendCmd.Flags().BoolVar(&sendReceipt, "receipt", false, "wait for a delivery receipt")
	sendCmd.Flags().BoolVar(&sendTransient, "transient", false, "send a transient message")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "overall timeout")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of messages (1-100)")
	historyCmd.Flags().BoolVar(&historyOldest, "oldest", false, "start from the oldest message")
	historyCmd.Flags().BoolVar(&historyCache, "cache", false, "read the local cache only")

	createCmd.Flags().StringVar(&createName, "name", "", "conversation name")
	createCmd.Flags().BoolVar(&createTransient, "transient", false, "create a transient conversation")
	createCmd.Flags().BoolVar(&createUnique, "unique", false, "reuse an existing conversation with the same members")

	membersCmd.PersistentFlags().DurationVar(&membersTimeout, "timeout", 15*time.Second, "overall timeout")
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, text := args[0], args[1]
		return withOpenClient(sendTimeout, func(ctx context.Context, client *realtime.Client) error {
			conv, err := client.Conversation(ctx, convID)
			if err != nil {
				return fmt.Errorf("fetch conversation: %w", err)
			}

			delivered := make(chan struct{}, 1)
			msg := realtime.NewTextMessage(text)
			if sendReceipt {
				client.On(realtime.EventMessageDelivered, func(ev realtime.Event) {
					if ev.Message == msg {
						select {
						case delivered <- struct{}{}:
						default:
						}
					}
				})
			}

			opts := &realtime.SendOptions{Receipt: sendReceipt, Transient: sendTransient}
			if err := conv.Send(ctx, msg, opts); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Message sent to conversation %s\n", conv.ID())
			fmt.Printf("  Message ID: %s\n", msg.ID())
			fmt.Printf("  Sent at:    %s\n", formatTime(msg.SentTimestamp()))

			if sendReceipt {
				select {
				case <-delivered:
					fmt.Printf("  Delivered:  %s\n", formatTime(msg.DeliveredTimestamp()))
				case <-ctx.Done():
					fmt.Println("  Delivered:  no receipt before timeout")
				}
			}
			return nil
		})
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenClient(30*time.Second, func(ctx context.Context, client *realtime.Client) error {
			conv, err := client.Conversation(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch conversation: %w", err)
			}
			q := realtime.MessageQuery{Limit: historyLimit}
			if historyOldest {
				q.Direction = realtime.OldToNew
			}
			if historyCache {
				q.Policy = realtime.PolicyCacheOnly
			}
			msgs, err := conv.QueryMessages(ctx, q)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages found.")
				return nil
			}
			for _, msg := range msgs {
				fmt.Printf("[%s] %s: %s\n", formatTime(msg.SentTimestamp()), msg.FromClientID(), messageText(msg))
			}
			return nil
		})
	},
}

// ============================================================================
// create
// ============================================================================

var createCmd = &cobra.Command{
	Use:   "create <member>...",
	Short: "Create a conversation with the given members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenClient(15*time.Second, func(ctx context.Context, client *realtime.Client) error {
			opts := &realtime.CreateOptions{Name: createName, Unique: createUnique}
			if createTransient {
				opts.Kind = realtime.KindTransient
			}
			conv, err := client.CreateConversation(ctx, args, opts)
			if err != nil {
				return fmt.Errorf("create failed: %w", err)
			}
			fmt.Printf("Conversation created: %s\n", conv.ID())
			fmt.Printf("  Kind:    %s\n", conv.Kind())
			if name := conv.Name(); name != "" {
				fmt.Printf("  Name:    %s\n", name)
			}
			fmt.Printf("  Members: %s\n", strings.Join(conv.Members(), ", "))
			return nil
		})
	},
}

// ============================================================================
// members
// ============================================================================

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage conversation members",
}

func printMemberResult(verb string, res *realtime.MemberResult) {
	if len(res.Succeeded) > 0 {
		fmt.Printf("%s: %s\n", verb, strings.Join(res.Succeeded, ", "))
	}
	for _, f := range res.Failures {
		fmt.Printf("Failed for %s: %v\n", strings.Join(f.IDs, ", "), f.Err)
	}
}

var membersAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <member>...",
	Short: "Add members to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenClient(membersTimeout, func(ctx context.Context, client *realtime.Client) error {
			conv, err := client.Conversation(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch conversation: %w", err)
			}
			res, err := conv.AddMembers(ctx, args[1:])
			if err != nil {
				return fmt.Errorf("add failed: %w", err)
			}
			printMemberResult("Added", res)
			return nil
		})
	},
}

var membersRemoveCmd = &cobra.Command{
	Use:   "remove <conversation-id> <member>...",
	Short: "Remove members from a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenClient(membersTimeout, func(ctx context.Context, client *realtime.Client) error {
			conv, err := client.Conversation(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch conversation: %w", err)
			}
			res, err := conv.RemoveMembers(ctx, args[1:])
			if err != nil {
				return fmt.Errorf("remove failed: %w", err)
			}
			printMemberResult("Removed", res)
			return nil
		})
	},
}

var membersCountCmd = &cobra.Command{
	Use:   "count <conversation-id>",
	Short: "Count the members of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenClient(membersTimeout, func(ctx context.Context, client *realtime.Client) error {
			conv, err := client.Conversation(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch conversation: %w", err)
			}
			n, err := conv.CountMembers(ctx)
			if err != nil {
				return fmt.Errorf("count failed: %w", err)
			}
			fmt.Println(n)
			return nil
		})
	},
}
