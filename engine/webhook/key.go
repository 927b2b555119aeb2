package webhook

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// contentKeyNamespace roots the UUIDv5 hierarchy for content-derived keys:
// the provider name hashes to a per-provider namespace, and the payload
// identity hashes inside that.
var contentKeyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://hookline.dev/idempotency"))

// ContentKey derives the worker-side deduplication key for an envelope. Two
// envelopes that carry the same payload yield the same key even when their
// assigned event IDs differ. Preference order: the payload's own "id" field,
// then a digest of the canonicalized payload, then the event ID when the
// payload is absent or not valid JSON.
func ContentKey(env *Envelope) string {
	if env == nil {
		return ""
	}
	if len(env.Payload) == 0 {
		return env.EventID
	}
	ns := uuid.NewSHA1(contentKeyNamespace, []byte(env.ProviderName))
	if id := gjson.GetBytes(env.Payload, "id"); id.Exists() && id.String() != "" {
		return uuid.NewSHA1(ns, []byte(id.String())).String()
	}
	canonical, err := canonicalJSON(env.Payload)
	if err != nil {
		return env.EventID
	}
	return uuid.NewSHA1(ns, canonical).String()
}

// canonicalJSON re-encodes a JSON document with object keys in lexicographic
// order at every nesting level, so semantically equal payloads hash equal
// regardless of the sender's key ordering. Numbers pass through undisturbed.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}
