// Package codec holds the frame encodings a sync connection can negotiate.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Subprotocol names offered during the WebSocket handshake
const (
	JSONSubprotocol = "json"
	CBORSubprotocol = "cbor"
)

// Codec encodes and decodes frame payloads
type Codec interface {
	Name() string
	// FrameType is the websocket message type frames are written with
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dst any) error
}

// Subprotocols lists every supported subprotocol in server preference order
func Subprotocols() []string {
	return []string{JSONSubprotocol, CBORSubprotocol}
}

// ForSubprotocol returns the codec negotiated for a connection. An empty
// subprotocol means the client did not ask for one and gets JSON.
func ForSubprotocol(name string) (Codec, error) {
	switch name {
	case "", JSONSubprotocol:
		return JSON, nil
	case CBORSubprotocol:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unsupported subprotocol %q", name)
	}
}

// maps decoded into interface{} values get string keys, matching JSON
var reflectMapStringAny = reflect.TypeOf(map[string]any(nil))

// JSON is the default text frame codec
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string                         { return JSONSubprotocol }
func (jsonCodec) FrameType() int                       { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }

// CBOR is the binary frame codec
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid cbor encoding options: %v", err))
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflectMapStringAny}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid cbor decoding options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                           { return CBORSubprotocol }
func (cborCodec) FrameType() int                         { return websocket.BinaryMessage }
func (c cborCodec) Marshal(v any) ([]byte, error)        { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }
