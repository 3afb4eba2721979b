package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingValue   = errors.New("missing 'value' inside entry.changes")
	ErrNothingToApply = errors.New("missing both 'messages' and 'statuses'")
)

// Sanitize checks a payload file before it is replayed against the webhook
// endpoint. It inspects the first change of the first entry, drops contacts
// without a wa_id and returns the re-encoded body. Both the bare and the
// "metaData"-wrapped forms are accepted.
func Sanitize(body []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	root := doc
	if meta, ok := doc["metaData"].(map[string]any); ok {
		root = meta
	}
	value := firstValue(root)
	if value == nil {
		return nil, ErrMissingValue
	}

	var errs []error
	for _, key := range []string{"messages", "statuses", "contacts"} {
		if v, ok := value[key]; ok {
			if _, isArray := v.([]any); !isArray {
				errs = append(errs, fmt.Errorf("'%s' must be an array", key))
			}
		}
	}
	_, hasMessages := value["messages"]
	_, hasStatuses := value["statuses"]
	if !hasMessages && !hasStatuses {
		errs = append(errs, ErrNothingToApply)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if contacts, ok := value["contacts"].([]any); ok {
		kept := contacts[:0]
		for _, c := range contacts {
			if cm, ok := c.(map[string]any); ok {
				if id, _ := cm["wa_id"].(string); id != "" {
					kept = append(kept, c)
				}
			}
		}
		value["contacts"] = kept
	}

	return json.Marshal(doc)
}

func firstValue(root map[string]any) map[string]any {
	entries, _ := root["entry"].([]any)
	if len(entries) == 0 {
		return nil
	}
	entry, _ := entries[0].(map[string]any)
	changes, _ := entry["changes"].([]any)
	if len(changes) == 0 {
		return nil
	}
	change, _ := changes[0].(map[string]any)
	value, _ := change["value"].(map[string]any)
	return value
}
