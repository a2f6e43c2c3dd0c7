package realtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Signature Types
// ============================================================================

// SignatureAction is the operation a signature authorizes.
type SignatureAction string

const (
	ActionOpen               SignatureAction = "open"
	ActionCreateConversation SignatureAction = "start"
	ActionAddMembers         SignatureAction = "invite"
	ActionRemoveMembers      SignatureAction = "kick"
)

// SignatureRequest describes what needs signing. ConversationID and
// Members are set for conversation actions.
type SignatureRequest struct {
	Action         SignatureAction
	ClientID       string
	ConversationID string
	Members        []string
}

// Signature authorizes one command.
type Signature struct {
	Signature string
	Timestamp int64
	Nonce     string
}

// SignatureProvider issues signatures, usually by asking the application's
// own server. Returning a nil signature sends the command unsigned.
type SignatureProvider interface {
	Sign(ctx context.Context, req SignatureRequest) (*Signature, error)
}

// SignatureProviderFunc adapts a function to SignatureProvider.
type SignatureProviderFunc func(ctx context.Context, req SignatureRequest) (*Signature, error)

func (f SignatureProviderFunc) Sign(ctx context.Context, req SignatureRequest) (*Signature, error) {
	return f(ctx, req)
}

// ============================================================================
// HMACSigner
// ============================================================================

// HMACSigner signs locally with the application master key using
// HMAC-SHA1. Only use it where the master key may live: servers, tools and
// tests.
type HMACSigner struct {
	appID     string
	masterKey string
	now       func() time.Time
}

// NewHMACSigner creates a signer for appID.
func NewHMACSigner(appID, masterKey string) (*HMACSigner, error) {
	if appID == "" || masterKey == "" {
		return nil, fmt.Errorf("app ID and master key are required")
	}
	return &HMACSigner{appID: appID, masterKey: masterKey, now: time.Now}, nil
}

// Sign implements SignatureProvider.
func (s *HMACSigner) Sign(ctx context.Context, req SignatureRequest) (*Signature, error) {
	ts := s.now().Unix()
	nonce := uuid.NewString()
	return &Signature{
		Signature: signPayload(s.masterKey, signaturePayload(s.appID, req, ts, nonce)),
		Timestamp: ts,
		Nonce:     nonce,
	}, nil
}

// VerifySignature checks sig against req with constant-time comparison.
func VerifySignature(appID, masterKey string, req SignatureRequest, sig *Signature) bool {
	if sig == nil || sig.Signature == "" || masterKey == "" {
		return false
	}
	expected := signPayload(masterKey, signaturePayload(appID, req, sig.Timestamp, sig.Nonce))
	if len(sig.Signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig.Signature), []byte(expected)) == 1
}

// signaturePayload builds the colon-separated string the server expects:
//
//	open:          appid:clientid::timestamp:nonce
//	start:         appid:clientid:members:timestamp:nonce
//	invite / kick: appid:clientid:convid:members:timestamp:nonce:action
//
// members are sorted and joined with colons.
func signaturePayload(appID string, req SignatureRequest, ts int64, nonce string) string {
	members := append([]string(nil), req.Members...)
	sort.Strings(members)
	joined := strings.Join(members, ":")
	t := strconv.FormatInt(ts, 10)

	switch req.Action {
	case ActionCreateConversation:
		return strings.Join([]string{appID, req.ClientID, joined, t, nonce}, ":")
	case ActionAddMembers, ActionRemoveMembers:
		return strings.Join([]string{appID, req.ClientID, req.ConversationID, joined, t, nonce, string(req.Action)}, ":")
	}
	return strings.Join([]string{appID, req.ClientID, "", t, nonce}, ":")
}

func signPayload(key, payload string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
