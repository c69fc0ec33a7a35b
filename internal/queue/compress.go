package queue

import (
	"bytes"
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
)

// zstdMagic prefixes every zstd frame. Serialized events are JSON objects
// and always start with '{', so the two encodings cannot be confused.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("queue: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("queue: zstd decoder: " + err.Error())
	}
}

// encodePayload serializes ev, compressing when the encoded size exceeds
// threshold. A negative threshold disables compression.
func encodePayload(ev event.Event, threshold int) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if threshold < 0 || len(raw) <= threshold {
		return raw, nil
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decompress(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, zstdMagic) {
		return payload, nil
	}
	return zstdDecoder.DecodeAll(payload, nil)
}
