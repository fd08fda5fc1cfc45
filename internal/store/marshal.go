package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/harvester/internal/resource"
)

// marshalDoc converts a document to JSON TEXT for storage.
// HTML escaping is disabled so stored text matches what clients receive.
func marshalDoc(doc map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalDoc parses JSON TEXT to a document.
// Uses json.Number so integers beyond 2^53 survive a round trip.
func unmarshalDoc(data string) (map[string]any, error) {
	doc := map[string]any{}
	if data == "" || data == "{}" {
		return doc, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// toStored converts an external record to its stored form: "id" becomes "_id".
func toStored(rec resource.Record, id string) map[string]any {
	doc := make(map[string]any, len(rec))
	for key, value := range rec {
		if key == "id" {
			continue
		}
		doc[key] = value
	}
	doc["_id"] = id
	return doc
}

// toRecord converts a stored document back to its external form.
func toRecord(doc map[string]any) resource.Record {
	rec := make(resource.Record, len(doc))
	for key, value := range doc {
		if key == "_id" {
			rec["id"] = value
			continue
		}
		rec[key] = value
	}
	return rec
}
