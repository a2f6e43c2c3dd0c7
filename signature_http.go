package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/rest"
)

// ============================================================================
// Signature endpoint types
// ============================================================================

// SignRequestBody is the JSON a client posts to a signature endpoint.
type SignRequestBody struct {
	Action         SignatureAction `json:"action"`
	ClientID       string          `json:"client_id"`
	ConversationID string          `json:"conv_id,omitempty"`
	Members        []string        `json:"members,omitempty"`
}

// SignResponseBody is the JSON a signature endpoint answers with.
type SignResponseBody struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// SignAuthorizer decides whether the caller of r may obtain a signature
// for req. A non-nil error refuses with 403.
type SignAuthorizer func(r *http.Request, req SignatureRequest) error

// ParseSignRequest decodes and validates a signature request body.
func ParseSignRequest(body []byte) (SignatureRequest, error) {
	var in SignRequestBody
	if err := json.Unmarshal(body, &in); err != nil {
		return SignatureRequest{}, fmt.Errorf("invalid JSON in signature request: %w", err)
	}
	switch in.Action {
	case ActionOpen, ActionCreateConversation:
	case ActionAddMembers, ActionRemoveMembers:
		if in.ConversationID == "" {
			return SignatureRequest{}, fmt.Errorf("conv_id is required for %s", in.Action)
		}
	default:
		return SignatureRequest{}, fmt.Errorf("unknown signature action: %q", in.Action)
	}
	if in.ClientID == "" {
		return SignatureRequest{}, fmt.Errorf("missing client_id in signature request")
	}
	return SignatureRequest{
		Action:         in.Action,
		ClientID:       in.ClientID,
		ConversationID: in.ConversationID,
		Members:        in.Members,
	}, nil
}

// ============================================================================
// SignatureHandler
// ============================================================================

// SignatureHandler serves signatures to clients from an application
// server holding the signer, usually an HMACSigner.
type SignatureHandler struct {
	signer    SignatureProvider
	authorize SignAuthorizer
}

// NewSignatureHandler creates a handler. authorize may be nil to sign
// every well-formed request.
func NewSignatureHandler(signer SignatureProvider, authorize SignAuthorizer) (*SignatureHandler, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	return &SignatureHandler{signer: signer, authorize: authorize}, nil
}

// Handle processes one request body and returns the status code and the
// response value for the caller to write.
func (h *SignatureHandler) Handle(r *http.Request, body []byte) (int, any) {
	req, err := ParseSignRequest(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if h.authorize != nil {
		if err := h.authorize(r, req); err != nil {
			return http.StatusForbidden, map[string]string{"error": err.Error()}
		}
	}
	sig, err := h.signer.Sign(r.Context(), req)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	if sig == nil {
		return http.StatusOK, SignResponseBody{}
	}
	return http.StatusOK, SignResponseBody{Signature: sig.Signature, Timestamp: sig.Timestamp, Nonce: sig.Nonce}
}

// ServeHTTP implements http.Handler.
//
// Example:
//
//	signer, _ := realtime.NewHMACSigner(appID, masterKey)
//	h, _ := realtime.NewSignatureHandler(signer, nil)
//	http.Handle("/sign", h)
func (h *SignatureHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := h.Handle(r, body)
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// ============================================================================
// HTTPSignatureProvider
// ============================================================================

// HTTPSignatureProvider obtains signatures from a SignatureHandler, or
// any endpoint speaking the same JSON.
type HTTPSignatureProvider struct {
	api    *rest.Client
	path   string
	header map[string]string
}

// NewHTTPSignatureProvider posts signature requests to baseURL+path.
// header is sent with every request, typically the application's own
// credentials.
func NewHTTPSignatureProvider(baseURL, path string, httpClient *http.Client, header map[string]string) *HTTPSignatureProvider {
	return &HTTPSignatureProvider{api: rest.New(baseURL, httpClient), path: path, header: header}
}

// Sign implements SignatureProvider.
func (p *HTTPSignatureProvider) Sign(ctx context.Context, req SignatureRequest) (*Signature, error) {
	body, err := p.api.Post(ctx, p.path, SignRequestBody{
		Action:         req.Action,
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		Members:        req.Members,
	}, p.header)
	if err != nil {
		return nil, err
	}
	resp, err := rest.DecodeJSON[SignResponseBody](body)
	if err != nil {
		return nil, err
	}
	if resp.Signature == "" {
		return nil, nil
	}
	if resp.Nonce == "" || resp.Timestamp == 0 {
		return nil, errs.New(errs.CodeMalformedData, "signature without timestamp or nonce")
	}
	return &Signature{Signature: resp.Signature, Timestamp: resp.Timestamp, Nonce: resp.Nonce}, nil
}
