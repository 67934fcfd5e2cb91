package executor

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// signature hashes a stable canonical encoding of the action type,
// payload and scope. Equivalent structured values always produce the
// same signature regardless of map iteration order.
func signature(actionType string, payload map[string]interface{}, scope *Scope) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(actionType)
	_, _ = d.WriteString("\x00")
	writeCanonical(d, payload)
	_, _ = d.WriteString("\x00")
	if scope != nil {
		_, _ = d.WriteString(scope.ProjectID + "\x1f" + scope.SourceSessionID + "\x1f" + scope.TurnID)
	}
	return d.Sum64()
}

func writeCanonical(d *xxhash.Digest, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = d.WriteString("{")
		for _, k := range keys {
			_, _ = d.WriteString(k)
			_, _ = d.WriteString(":")
			writeCanonical(d, v[k])
			_, _ = d.WriteString(",")
		}
		_, _ = d.WriteString("}")
	case []interface{}:
		_, _ = d.WriteString("[")
		for _, item := range v {
			writeCanonical(d, item)
			_, _ = d.WriteString(",")
		}
		_, _ = d.WriteString("]")
	case string:
		_, _ = d.WriteString(strconv.Quote(v))
	case nil:
		_, _ = d.WriteString("null")
	default:
		// Numbers, booleans and anything exotic take the JSON encoding
		data, err := json.Marshal(v)
		if err != nil {
			_, _ = d.WriteString("?")
			return
		}
		_, _ = d.Write(data)
	}
}
