// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package abi

import (
	"fmt"

	"github.com/creachadair/dissect/layer"
	"github.com/fxamacker/cbor/v2"
)

// encMode produces deterministic encodings, so equal settings encode equally.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeContext encodes decoder settings for a worker constructor. Each value
// is a CBOR array of its kind and content (see layer.Value.MarshalCBOR).
func EncodeContext(ctx map[string]layer.Value) ([]byte, error) {
	enc, err := encMode.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return enc, nil
}

// DecodeContext decodes settings encoded by EncodeContext. Empty input
// decodes as no settings.
func DecodeContext(data []byte) (map[string]layer.Value, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ctx map[string]layer.Value
	if err := cbor.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return ctx, nil
}
