package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testAppID     = "app-test"
	testMasterKey = "test-master-key"
)

func newTestSigner(t *testing.T) *HMACSigner {
	t.Helper()
	s, err := NewHMACSigner(testAppID, testMasterKey)
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func makeSignBody(req SignRequestBody) string {
	b, _ := json.Marshal(req)
	return string(b)
}

// ============================================================================
// HMACSigner / VerifySignature
// ============================================================================

func TestHMACSigner(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	t.Run("open round trip", func(t *testing.T) {
		req := SignatureRequest{Action: ActionOpen, ClientID: "alice"}
		sig, err := signer.Sign(ctx, req)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if sig.Timestamp != 1_700_000_000 || sig.Nonce == "" || len(sig.Signature) != 40 {
			t.Fatalf("unexpected signature %+v", sig)
		}
		if !VerifySignature(testAppID, testMasterKey, req, sig) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("member order does not matter", func(t *testing.T) {
		req := SignatureRequest{Action: ActionAddMembers, ClientID: "alice", ConversationID: "c1", Members: []string{"carol", "bob"}}
		sig, _ := signer.Sign(ctx, req)
		req.Members = []string{"bob", "carol"}
		if !VerifySignature(testAppID, testMasterKey, req, sig) {
			t.Fatal("expected valid signature for reordered members")
		}
	})

	t.Run("action is bound", func(t *testing.T) {
		req := SignatureRequest{Action: ActionAddMembers, ClientID: "alice", ConversationID: "c1", Members: []string{"bob"}}
		sig, _ := signer.Sign(ctx, req)
		req.Action = ActionRemoveMembers
		if VerifySignature(testAppID, testMasterKey, req, sig) {
			t.Fatal("signature for invite accepted for kick")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		req := SignatureRequest{Action: ActionOpen, ClientID: "alice"}
		sig, _ := signer.Sign(ctx, req)
		if VerifySignature(testAppID, "other-key", req, sig) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("nil and empty", func(t *testing.T) {
		req := SignatureRequest{Action: ActionOpen, ClientID: "alice"}
		if VerifySignature(testAppID, testMasterKey, req, nil) {
			t.Fatal("nil signature accepted")
		}
		if VerifySignature(testAppID, testMasterKey, req, &Signature{}) {
			t.Fatal("empty signature accepted")
		}
	})
}

func TestSignaturePayload(t *testing.T) {
	tests := []struct {
		name string
		req  SignatureRequest
		want string
	}{
		{"open", SignatureRequest{Action: ActionOpen, ClientID: "alice"}, "app:alice::10:n"},
		{"start", SignatureRequest{Action: ActionCreateConversation, ClientID: "alice", Members: []string{"bob", "alice"}}, "app:alice:alice:bob:10:n"},
		{"kick", SignatureRequest{Action: ActionRemoveMembers, ClientID: "alice", ConversationID: "c1", Members: []string{"bob"}}, "app:alice:c1:bob:10:n:kick"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signaturePayload("app", tt.req, 10, "n"); got != tt.want {
				t.Fatalf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewHMACSignerRequiresKey(t *testing.T) {
	if _, err := NewHMACSigner("app", ""); err == nil {
		t.Fatal("expected error for empty master key")
	}
}

// ============================================================================
// ParseSignRequest
// ============================================================================

func TestParseSignRequest(t *testing.T) {
	t.Run("valid open", func(t *testing.T) {
		req, err := ParseSignRequest([]byte(makeSignBody(SignRequestBody{Action: ActionOpen, ClientID: "alice"})))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.Action != ActionOpen || req.ClientID != "alice" {
			t.Fatalf("unexpected request %+v", req)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseSignRequest([]byte("not json"))
		if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
			t.Fatalf("expected invalid JSON error, got %v", err)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := ParseSignRequest([]byte(`{"action":"delete","client_id":"alice"}`))
		if err == nil || !strings.Contains(err.Error(), "unknown signature action") {
			t.Fatalf("expected unknown action error, got %v", err)
		}
	})

	t.Run("invite without conversation", func(t *testing.T) {
		_, err := ParseSignRequest([]byte(`{"action":"invite","client_id":"alice","members":["bob"]}`))
		if err == nil || !strings.Contains(err.Error(), "conv_id") {
			t.Fatalf("expected conv_id error, got %v", err)
		}
	})

	t.Run("missing client", func(t *testing.T) {
		_, err := ParseSignRequest([]byte(`{"action":"open"}`))
		if err == nil || !strings.Contains(err.Error(), "client_id") {
			t.Fatalf("expected client_id error, got %v", err)
		}
	})
}

// ============================================================================
// SignatureHandler
// ============================================================================

func TestSignatureHandler(t *testing.T) {
	signer := newTestSigner(t)
	h, err := NewSignatureHandler(signer, func(r *http.Request, req SignatureRequest) error {
		if r.Header.Get("X-User") != req.ClientID {
			return errors.New("client mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NewSignatureHandler: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	post := func(t *testing.T, user, body string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		req.Header.Set("X-User", user)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("signs", func(t *testing.T) {
		resp := post(t, "alice", makeSignBody(SignRequestBody{Action: ActionOpen, ClientID: "alice"}))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out SignResponseBody
		json.NewDecoder(resp.Body).Decode(&out)
		sig := &Signature{Signature: out.Signature, Timestamp: out.Timestamp, Nonce: out.Nonce}
		if !VerifySignature(testAppID, testMasterKey, SignatureRequest{Action: ActionOpen, ClientID: "alice"}, sig) {
			t.Fatalf("issued signature does not verify: %+v", out)
		}
	})

	t.Run("refused", func(t *testing.T) {
		resp := post(t, "mallory", makeSignBody(SignRequestBody{Action: ActionOpen, ClientID: "alice"}))
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("bad body", func(t *testing.T) {
		resp := post(t, "alice", "{")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "Method not allowed") {
			t.Fatalf("unexpected body %s", body)
		}
	})

	t.Run("requires signer", func(t *testing.T) {
		if _, err := NewSignatureHandler(nil, nil); err == nil {
			t.Fatal("expected error for nil signer")
		}
	})
}

// ============================================================================
// HTTPSignatureProvider
// ============================================================================

func TestHTTPSignatureProvider(t *testing.T) {
	signer := newTestSigner(t)
	h, _ := NewSignatureHandler(signer, nil)
	mux := http.NewServeMux()
	mux.Handle("/sign", h)
	mux.HandleFunc("/unsigned", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"signature":"abc"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		p := NewHTTPSignatureProvider(srv.URL, "/sign", nil, map[string]string{"X-App": "demo"})
		req := SignatureRequest{Action: ActionCreateConversation, ClientID: "alice", Members: []string{"alice", "bob"}}
		sig, err := p.Sign(ctx, req)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if !VerifySignature(testAppID, testMasterKey, req, sig) {
			t.Fatalf("signature does not verify: %+v", sig)
		}
	})

	t.Run("empty answer means unsigned", func(t *testing.T) {
		p := NewHTTPSignatureProvider(srv.URL, "/unsigned", nil, nil)
		sig, err := p.Sign(ctx, SignatureRequest{Action: ActionOpen, ClientID: "alice"})
		if err != nil || sig != nil {
			t.Fatalf("expected nil signature, got %+v %v", sig, err)
		}
	})

	t.Run("incomplete answer", func(t *testing.T) {
		p := NewHTTPSignatureProvider(srv.URL, "/broken", nil, nil)
		if _, err := p.Sign(ctx, SignatureRequest{Action: ActionOpen, ClientID: "alice"}); !errors.Is(err, ErrMalformedData) {
			t.Fatalf("expected malformed data, got %v", err)
		}
	})

	t.Run("refused request", func(t *testing.T) {
		p := NewHTTPSignatureProvider(srv.URL, "/sign", nil, nil)
		if _, err := p.Sign(ctx, SignatureRequest{Action: ActionAddMembers, ClientID: "alice"}); err == nil {
			t.Fatal("expected error for invite without conversation")
		}
	})
}
