package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	realtime "github.com/leancloud/swift-sdk-sub001"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// listen
	listenJSON      bool
	listenAutoRead  bool
	listenKickOther bool

	// online
	onlineTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(onlineCmd)

	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "print events as JSON lines")
	listenCmd.Flags().BoolVar(&listenAutoRead, "read", false, "mark received messages as read")
	listenCmd.Flags().BoolVar(&listenKickOther, "force", false, "sign out other devices using the same tag")

	onlineCmd.Flags().DurationVar(&onlineTimeout, "timeout", 15*time.Second, "overall timeout")
}

// ============================================================================
// listen
// ============================================================================

// eventLine is the JSON form of an event.
type eventLine struct {
	Kind         string   `json:"kind"`
	Conversation string   `json:"conversation,omitempty"`
	By           string   `json:"by,omitempty"`
	Members      []string `json:"members,omitempty"`
	At           int64    `json:"at,omitempty"`
	MessageID    string   `json:"message_id,omitempty"`
	From         string   `json:"from,omitempty"`
	Text         string   `json:"text,omitempty"`
	Unread       int      `json:"unread,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func toEventLine(ev realtime.Event) eventLine {
	line := eventLine{
		Kind:      string(ev.Kind),
		By:        ev.ByClientID,
		Members:   ev.Members,
		At:        ev.At,
		MessageID: ev.MessageID,
		From:      ev.FromClientID,
	}
	if ev.Conversation != nil {
		line.Conversation = ev.Conversation.ID()
		if ev.Kind == realtime.EventUnreadMessageCountUpdated {
			line.Unread = ev.Conversation.UnreadMessageCount()
		}
	}
	if ev.Message != nil {
		line.MessageID = ev.Message.ID()
		line.From = ev.Message.FromClientID()
		line.Text = messageText(ev.Message)
	}
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}
	return line
}

func printEvent(ev realtime.Event) {
	line := toEventLine(ev)
	if listenJSON {
		data, _ := json.Marshal(line)
		fmt.Println(string(data))
		return
	}
	parts := []string{time.Now().Format("15:04:05"), line.Kind}
	if line.Conversation != "" {
		parts = append(parts, "conv="+line.Conversation)
	}
	if line.By != "" {
		parts = append(parts, "by="+line.By)
	}
	if len(line.Members) > 0 {
		parts = append(parts, "members="+strings.Join(line.Members, ","))
	}
	if line.MessageID != "" {
		parts = append(parts, "msg="+line.MessageID)
	}
	if line.From != "" {
		parts = append(parts, "from="+line.From)
	}
	if line.Text != "" {
		parts = append(parts, fmt.Sprintf("%q", line.Text))
	}
	if line.Unread > 0 {
		parts = append(parts, fmt.Sprintf("unread=%d", line.Unread))
	}
	if line.Error != "" {
		parts = append(parts, "error="+line.Error)
	}
	fmt.Println(strings.Join(parts, " "))
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Open a session and print events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, log, err := newClient(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer client.Shutdown()

		client.OnAny(printEvent)
		if listenAutoRead {
			client.OnMessage(func(conv *realtime.Conversation, msg *realtime.Message) {
				conv.Read(msg)
			})
		}

		ctx, stop := interruptContext()
		defer stop()

		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = client.Open(openCtx, realtime.OpenOptions{Reconnect: !listenKickOther})
		cancel()
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Listening as %s. Press Ctrl-C to stop.\n", client.ID())

		<-ctx.Done()

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Warn("close session", zap.Error(err))
		}
		return nil
	},
}

// ============================================================================
// online
// ============================================================================

var onlineCmd = &cobra.Command{
	Use:   "online <client-id>...",
	Short: "Report which clients are online",
	Args:  cobra.RangeArgs(1, 20),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenClient(onlineTimeout, func(ctx context.Context, client *realtime.Client) error {
			online, err := client.QueryOnlineClients(ctx, args)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			set := make(map[string]bool, len(online))
			for _, id := range online {
				set[id] = true
			}
			for _, id := range args {
				status := "offline"
				if set[id] {
					status = "online"
				}
				fmt.Printf("%-24s %s\n", id, status)
			}
			return nil
		})
	},
}
