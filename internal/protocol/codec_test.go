package protocol

import (
	"bytes"
	"testing"
)

func sessionOpen() *Command {
	return &Command{
		Cmd:    CmdSession,
		Op:     OpOpen,
		AppID:  "app-1",
		PeerID: "alice",
		I:      7,
		Session: &SessionCommand{
			UA:           "imcli/1.0",
			ConfigBitmap: SupportedConfigBitmap,
			Tag:          "mobile",
			Signature:    "abc",
			Timestamp:    1700000000000,
			Nonce:        "n-1",
		},
	}
}

func TestVariantCodec(t *testing.T) {
	for _, v := range []Variant{Legacy, Unread} {
		t.Run(string(v), func(t *testing.T) {
			codec := v.Codec()
			data, err := codec.Marshal(sessionOpen())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Command
			if err := codec.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Cmd != CmdSession || got.Op != OpOpen || got.I != 7 || got.PeerID != "alice" {
				t.Fatalf("envelope mismatch: %+v", got)
			}
			if got.Session == nil || got.Session.Tag != "mobile" || got.Session.ConfigBitmap != SupportedConfigBitmap {
				t.Fatalf("session payload mismatch: %+v", got.Session)
			}
			if got.Direct != nil {
				t.Fatal("absent payload decoded as non-nil")
			}
		})
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	codec := Unread.Codec()
	a, err := codec.Marshal(sessionOpen())
	if err != nil {
		t.Fatal(err)
	}
	b, err := codec.Marshal(sessionOpen())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("encoding the same command twice produced different bytes")
	}
	if !codec.Binary() || Legacy.Codec().Binary() {
		t.Fatal("frame type mismatch")
	}
}

func TestParseVariant(t *testing.T) {
	if v, err := ParseVariant("lc.cbor.2.3"); err != nil || v != Unread {
		t.Fatalf("got %q, %v", v, err)
	}
	if _, err := ParseVariant("lc.protobuf2.3"); err == nil {
		t.Fatal("expected error for unknown variant")
	}
	if Legacy.SupportsUnreadPush() || !Unread.SupportsUnreadPush() {
		t.Fatal("unread push support mismatch")
	}
}

func TestSupportedConfigBitmap(t *testing.T) {
	if SupportedConfigBitmap&ConfigAutoBind != 0 || SupportedConfigBitmap&ConfigGroupChatReceipt != 0 {
		t.Fatal("unsupported bits announced")
	}
	if SupportedConfigBitmap&ConfigPatchMessage == 0 || SupportedConfigBitmap&ConfigOmitPeerID == 0 {
		t.Fatal("expected patch and omit-peer-id bits")
	}
}
