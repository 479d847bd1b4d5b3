package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the payload size above which envelopes carry zstd
// compressed payloads.
const CompressThreshold = 8 * 1024

// MaxDecodedPayload caps the size a compressed payload may expand to. It is
// a small multiple of the transport's 1 MiB frame limit.
const MaxDecodedPayload = 16 << 20

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedPayload))
)

// NewEnvelope marshals payload into an envelope, compressing it when it is
// larger than CompressThreshold.
func NewEnvelope(msgType MessageType, seq uint64, payload any) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Seq:       seq,
		Payload:   raw,
	}
	if len(raw) > CompressThreshold {
		packed, err := json.Marshal(encoder.EncodeAll(raw, nil))
		if err != nil {
			return Envelope{}, fmt.Errorf("pack %s payload: %w", msgType, err)
		}
		env.Encoding = EncodingZstd
		env.Payload = packed
	}
	return env, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// RawPayload returns the payload bytes, decompressing when necessary.
func (e Envelope) RawPayload() ([]byte, error) {
	switch e.Encoding {
	case "":
		return e.Payload, nil
	case EncodingZstd:
		var packed []byte
		if err := json.Unmarshal(e.Payload, &packed); err != nil {
			return nil, fmt.Errorf("unpack %s payload: %w", e.Type, err)
		}
		raw, err := decoder.DecodeAll(packed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s payload: %w", e.Type, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported payload encoding %q", e.Encoding)
	}
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	raw, err := e.RawPayload()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func Encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
