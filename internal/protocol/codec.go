package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Variant names a wire sub-protocol negotiated on the socket.
type Variant string

const (
	// Legacy frames commands as JSON text and has no unread-count push.
	Legacy Variant = "lc.json.2.1"
	// Unread frames commands as CBOR binary and pushes unread counts.
	Unread Variant = "lc.cbor.2.3"
)

// MaxPayloadSize caps an encoded outbound command.
const MaxPayloadSize = 5120

// Codec turns commands into frames and back.
type Codec interface {
	Marshal(cmd *Command) ([]byte, error)
	Unmarshal(data []byte, cmd *Command) error
	// Binary reports whether frames are binary rather than text.
	Binary() bool
}

// Codec returns the frame codec of the variant.
func (v Variant) Codec() Codec {
	if v == Unread {
		return cborCodec{}
	}
	return jsonCodec{}
}

// SupportsUnreadPush reports whether the server pushes unread counts and
// expects the client to track last-unread-notify time.
func (v Variant) SupportsUnreadPush() bool { return v == Unread }

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool { return v == Legacy || v == Unread }

// ParseVariant resolves a variant name.
func ParseVariant(s string) (Variant, error) {
	v := Variant(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown protocol variant %q", s)
	}
	return v, nil
}

type jsonCodec struct{}

func (jsonCodec) Marshal(cmd *Command) ([]byte, error) { return json.Marshal(cmd) }
func (jsonCodec) Unmarshal(data []byte, cmd *Command) error { return json.Unmarshal(data, cmd) }
func (jsonCodec) Binary() bool { return false }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Marshal(cmd *Command) ([]byte, error) { return cborEnc.Marshal(cmd) }
func (cborCodec) Unmarshal(data []byte, cmd *Command) error { return cborDec.Unmarshal(data, cmd) }
func (cborCodec) Binary() bool { return true }
