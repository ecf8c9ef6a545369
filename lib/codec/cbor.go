// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2). Same logical data always produces
// identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are ignored for forward
// compatibility with cache entries written by newer engine versions.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Entity payloads decode into any-typed targets when callers
		// have not registered a concrete type. CBOR's default map type
		// for any is map[interface{}]interface{}, which nothing else in
		// Go (encoding/json included) accepts. Force map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode or
// passing pre-encoded bytes through without re-encoding.
type RawMessage = cbor.RawMessage
