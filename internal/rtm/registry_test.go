package rtm

import (
	"testing"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/transport/transporttest"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	cfg := Config{AppID: "app", Variant: protocol.Unread, ServerURL: "wss://x", Dialer: transporttest.NewDialer(nil)}

	a, err := reg.Register(cfg, "alice")
	if err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	b, err := reg.Register(cfg, "bob")
	if err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	if a != b {
		t.Fatal("peers of the same app and variant should share a connection")
	}

	t.Run("duplicate peer", func(t *testing.T) {
		_, err := reg.Register(cfg, "alice")
		if !errs.HasCode(err, errs.CodeInconsistency) {
			t.Fatalf("err = %v, want inconsistency", err)
		}
	})

	t.Run("other variant", func(t *testing.T) {
		legacy := cfg
		legacy.Variant = protocol.Legacy
		c, err := reg.Register(legacy, "alice")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if c == a {
			t.Fatal("variants must not share a connection")
		}
		reg.Unregister(c, "alice")
	})

	reg.Unregister(a, "alice")
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
	reg.Unregister(a, "bob")
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0", reg.Len())
	}
	if a.State() != StateClosed {
		t.Fatalf("State = %s, want closed", a.State())
	}
}
