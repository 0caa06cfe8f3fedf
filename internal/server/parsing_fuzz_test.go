package server

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func FuzzDecodeJSON(f *testing.F) {
	f.Add(`{"environment":"production","feature":"checkout-flow","attributes":{"id":"alice"}}`)
	f.Add(`{"feature":"x"}{"feature":"y"}`)
	f.Add(`{"attributes":[1,2]}`)
	f.Add(`{"unknown":true}`)
	f.Add(``)

	f.Fuzz(func(t *testing.T, body string) {
		var request evaluateJSONRequest
		err := decodeJSON(strings.NewReader(body), &request)
		if err == nil && strings.TrimSpace(body) == "" {
			t.Fatalf("decodeJSON(%q) error = nil, want error for empty body", body)
		}
		if errors.Is(err, errJSONBodyTooLarge) {
			t.Fatalf("decodeJSON(%q) reported a size error without a size limit", body)
		}
	})
}

func FuzzDecodeStruct(f *testing.F) {
	f.Add(`{"environment":"production","feature":"checkout-flow","draft":true}`)
	f.Add(`{"attributes":{"nested":{"deep":[1,"two",null]}}}`)
	f.Add(`{"feature":1}`)

	f.Fuzz(func(t *testing.T, raw string) {
		var message structpb.Struct
		if err := protojson.Unmarshal([]byte(raw), &message); err != nil {
			return
		}

		var first, second evaluateJSONRequest
		firstErr := decodeStruct(&message, &first)
		secondErr := decodeStruct(&message, &second)
		if (firstErr == nil) != (secondErr == nil) {
			t.Fatalf("decodeStruct(%s) not deterministic: %v then %v", raw, firstErr, secondErr)
		}
		if firstErr == nil && (first.Environment != second.Environment || first.Feature != second.Feature || first.Draft != second.Draft) {
			t.Fatalf("decodeStruct(%s) not deterministic: %+v then %+v", raw, first, second)
		}
	})
}
