//go:build integration

package realtime_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	realtime "github.com/leancloud/swift-sdk-sub001"
	"github.com/leancloud/swift-sdk-sub001/internal/logging"
)

// helpers ---------------------------------------------------------------

func appID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("IMCLI_APP_ID_TEST")
	if id == "" {
		t.Fatal("IMCLI_APP_ID_TEST environment variable is required")
	}
	return id
}

func routerURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("IMCLI_ROUTER_URL_TEST")
	if u == "" {
		t.Fatal("IMCLI_ROUTER_URL_TEST environment variable is required")
	}
	return u
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func newClient(t *testing.T, clientID string) *realtime.Client {
	t.Helper()
	opts := []realtime.ClientOption{
		realtime.WithRouterURL(routerURL(t)),
		realtime.WithStorageDir(t.TempDir()),
		realtime.WithLogger(logging.New(os.Getenv("IMCLI_LOG_LEVEL_TEST"))),
	}
	if key := os.Getenv("IMCLI_MASTER_KEY_TEST"); key != "" {
		signer, err := realtime.NewHMACSigner(appID(t), key)
		if err != nil {
			t.Fatalf("NewHMACSigner: %v", err)
		}
		opts = append(opts, realtime.WithSignatureProvider(signer))
	}
	client, err := realtime.NewClient(appID(t), clientID, opts...)
	if err != nil {
		t.Fatalf("NewClient(%s): %v", clientID, err)
	}
	t.Cleanup(client.Shutdown)
	return client
}

func openClient(t *testing.T, ctx context.Context, client *realtime.Client) {
	t.Helper()
	if err := client.Open(ctx, realtime.OpenOptions{}); err != nil {
		t.Fatalf("Open(%s): %v", client.ID(), err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Close(closeCtx)
	})
}

// =======================================================================
// Group 1: Session
// =======================================================================

func TestIntegration_Session_OpenClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newClient(t, uniqueName("go_session"))
	if err := client.Open(ctx, realtime.OpenOptions{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if client.State() != realtime.SessionOpened {
		t.Fatalf("state = %s", client.State())
	}
	token, err := client.SessionToken(ctx, false)
	if err != nil || token == "" {
		t.Fatalf("SessionToken: %q %v", token, err)
	}
	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	t.Logf("Session opened and closed, token length %d", len(token))
}

// =======================================================================
// Group 2: Conversation lifecycle
// =======================================================================

func TestIntegration_Conversation_FullLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	aliceID, bobID, carolID := uniqueName("go_alice"), uniqueName("go_bob"), uniqueName("go_carol")
	alice := newClient(t, aliceID)
	bob := newClient(t, bobID)
	openClient(t, ctx, alice)
	openClient(t, ctx, bob)

	received := make(chan *realtime.Message, 16)
	bob.OnMessage(func(conv *realtime.Conversation, msg *realtime.Message) { received <- msg })
	delivered := make(chan realtime.Event, 16)
	alice.On(realtime.EventMessageDelivered, func(ev realtime.Event) { delivered <- ev })

	// ---------------------------------------------------------------
	// 2.1  Online status
	// ---------------------------------------------------------------
	online, err := alice.QueryOnlineClients(ctx, []string{bobID, carolID})
	if err != nil {
		t.Fatalf("QueryOnlineClients: %v", err)
	}
	if len(online) != 1 || online[0] != bobID {
		t.Errorf("expected only %s online, got %v", bobID, online)
	}

	// ---------------------------------------------------------------
	// 2.2  Create
	// ---------------------------------------------------------------
	conv, err := alice.CreateConversation(ctx, []string{bobID}, &realtime.CreateOptions{
		Name:       "go integration",
		Attributes: map[string]any{"suite": "integration"},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	t.Logf("Conversation created: id=%s members=%v", conv.ID(), conv.Members())

	// ---------------------------------------------------------------
	// 2.3  Send with receipt
	// ---------------------------------------------------------------
	msg := realtime.NewTextMessage("hello from go")
	if err := conv.Send(ctx, msg, &realtime.SendOptions{Receipt: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got.ID() != msg.ID() || got.Content().Text != "hello from go" {
			t.Errorf("bob received %s %q", got.ID(), got.Content().Text)
		}
	case <-ctx.Done():
		t.Fatal("bob did not receive the message")
	}
	select {
	case ev := <-delivered:
		t.Logf("Delivered: id=%s at=%d", ev.MessageID, ev.At)
	case <-time.After(15 * time.Second):
		t.Error("no delivery receipt")
	}

	// ---------------------------------------------------------------
	// 2.4  Update and recall
	// ---------------------------------------------------------------
	edited := realtime.NewTextMessage("edited from go")
	if err := conv.Update(ctx, msg, edited); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := conv.Recall(ctx, edited); err != nil {
		t.Fatalf("Recall: %v", err)
	}

	// ---------------------------------------------------------------
	// 2.5  History
	// ---------------------------------------------------------------
	history, err := conv.QueryMessages(ctx, realtime.MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(history) == 0 || !history[len(history)-1].Recalled() {
		t.Errorf("expected the recalled message last in history, got %d messages", len(history))
	}

	// ---------------------------------------------------------------
	// 2.6  Members
	// ---------------------------------------------------------------
	result, err := conv.AddMembers(ctx, []string{carolID})
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if !result.AllSucceeded() {
		t.Errorf("AddMembers failures: %+v", result.Failures)
	}
	count, err := conv.CountMembers(ctx)
	if err != nil {
		t.Fatalf("CountMembers: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 members, got %d", count)
	}
	if _, err := conv.RemoveMembers(ctx, []string{carolID}); err != nil {
		t.Fatalf("RemoveMembers: %v", err)
	}

	// ---------------------------------------------------------------
	// 2.7  Attributes and mute
	// ---------------------------------------------------------------
	if err := conv.UpdateAttributes(ctx, map[string]any{"name": "renamed", "attr.suite": "done"}); err != nil {
		t.Fatalf("UpdateAttributes: %v", err)
	}
	if conv.Name() != "renamed" {
		t.Errorf("name = %q", conv.Name())
	}
	if err := conv.Mute(ctx); err != nil {
		t.Fatalf("Mute: %v", err)
	}
	if !conv.Muted() {
		t.Error("expected conversation muted")
	}

	// ---------------------------------------------------------------
	// 2.8  Lookup from the other side
	// ---------------------------------------------------------------
	bobConv, err := bob.Conversation(ctx, conv.ID())
	if err != nil {
		t.Fatalf("bob Conversation: %v", err)
	}
	if bobConv.Name() != "renamed" {
		t.Errorf("bob sees name %q", bobConv.Name())
	}
	if err := bobConv.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
}

// =======================================================================
// Group 3: Temporary conversations
// =======================================================================

func TestIntegration_TemporaryConversation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	alice := newClient(t, uniqueName("go_temp_a"))
	openClient(t, ctx, alice)

	conv, err := alice.CreateConversation(ctx, []string{uniqueName("go_temp_b")}, &realtime.CreateOptions{
		Kind:         realtime.KindTemporary,
		TemporaryTTL: 600,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Kind() != realtime.KindTemporary {
		t.Fatalf("kind = %s", conv.Kind())
	}
	if err := conv.Send(ctx, realtime.NewTextMessage("temporary"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	t.Logf("Temporary conversation: id=%s ttl=%d", conv.ID(), conv.TemporaryTTL())
}
