package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/dbpulse/dbpulse-agent/internal/model"
)

// DictID tags frames compressed with a session dictionary so decoders can
// tell them apart from the early, pre-training frames.
const DictID uint32 = 20240311

// dictMagic is the zstd structured-dictionary magic number. A stored
// dictionary that starts with it was statistically trained; anything else is
// raw content used as a prefix dictionary.
var dictMagic = []byte{0x37, 0xa4, 0x30, 0xec}

// Codec serializes snapshots to compressed payloads and back. A codec built
// without a dictionary only handles plain frames; WithDictionary upgrades it
// once training completes. Both structured (zstd-trained) and raw content
// dictionaries are supported, distinguished by the magic prefix.
type Codec struct {
	plainEnc *zstd.Encoder
	dictEnc  *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec builds a codec. dict may be nil.
func NewCodec(dict []byte) (*Codec, error) {
	c := &Codec{}

	plainEnc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	c.plainEnc = plainEnc

	decOpts := []zstd.DOption{}
	if len(dict) > 0 {
		encOpt := zstd.WithEncoderDictRaw(DictID, dict)
		decOpt := zstd.WithDecoderDictRaw(DictID, dict)
		if bytes.HasPrefix(dict, dictMagic) {
			encOpt = zstd.WithEncoderDict(dict)
			decOpt = zstd.WithDecoderDicts(dict)
		}

		dictEnc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			encOpt)
		if err != nil {
			return nil, fmt.Errorf("create dictionary encoder: %w", err)
		}
		c.dictEnc = dictEnc
		decOpts = append(decOpts, decOpt)
	}

	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	c.dec = dec

	return c, nil
}

// WithDictionary returns a new codec that compresses with the trained
// dictionary and can still decode pre-training frames.
func (c *Codec) WithDictionary(dict []byte) (*Codec, error) {
	c.Close()
	return NewCodec(dict)
}

// HasDictionary reports whether frames are being written with a dictionary.
func (c *Codec) HasDictionary() bool { return c.dictEnc != nil }

// Marshal serializes a snapshot to its uncompressed JSON form.
func (c *Codec) Marshal(snap *model.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// Compress compresses a serialized payload, preferring the dictionary
// encoder when one is available.
func (c *Codec) Compress(payload []byte) []byte {
	if c.dictEnc != nil {
		return c.dictEnc.EncodeAll(payload, nil)
	}
	return c.plainEnc.EncodeAll(payload, nil)
}

// Decode decompresses and deserializes one stored row.
func (c *Codec) Decode(data []byte) (*model.Snapshot, error) {
	payload, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	if c.plainEnc != nil {
		c.plainEnc.Close()
	}
	if c.dictEnc != nil {
		c.dictEnc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
