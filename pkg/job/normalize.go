package job

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Defaults are the handler-level options merged into a record during
// normalization. Caller-supplied values always win.
type Defaults struct {
	Queue string
	Retry any
	Extra map[string]any
}

// NormalizeOptions tunes Normalize.
type NormalizeOptions struct {
	// Now is the clock used for created_at and for collapsing past "at" values.
	Now func() time.Time

	// StrictArgs rejects args that are not native JSON types.
	StrictArgs bool
}

// NewJID returns 12 random bytes, hex encoded.
func NewJID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("job: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Normalize validates rec and returns a fully populated copy. It never
// mutates rec and never replaces an existing jid or created_at, so
// normalizing twice yields the same record.
func Normalize(rec *Record, defaults Defaults, opts NormalizeOptions) (*Record, error) {
	if rec == nil {
		return nil, invalid("job is nil")
	}
	if strings.TrimSpace(rec.Class) == "" {
		return nil, invalid("class must be a non-empty string")
	}
	if rec.Args == nil {
		return nil, invalid("args must be an array")
	}
	if opts.StrictArgs {
		if err := verifyJSON(rec.Args, "args"); err != nil {
			return nil, err
		}
	}
	switch v := rec.Retry.(type) {
	case nil, bool, int, int64, float64:
	default:
		return nil, invalid("retry must be a bool or a number, got %T", v)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	out := rec.Clone()
	if out.Queue == "" {
		out.Queue = defaults.Queue
	}
	if out.Queue == "" {
		out.Queue = DefaultQueue
	}
	if strings.TrimSpace(out.Queue) == "" {
		return nil, invalid("queue must be a non-empty string")
	}
	if out.Retry == nil {
		out.Retry = defaults.Retry
	}
	if out.Retry == nil {
		out.Retry = true
	}
	for k, v := range defaults.Extra {
		if _, set := out.Extra[k]; set {
			continue
		}
		if _, known := knownKeys[k]; known {
			continue
		}
		if err := out.Set(k, v); err != nil {
			return nil, invalid("default option %q: %v", k, err)
		}
	}
	if out.JID == "" {
		out.JID = NewJID()
	}
	ts := Epoch(now())
	if out.CreatedAt == 0 {
		out.CreatedAt = ts
	}
	// a time in the past or now means immediate
	if out.At != 0 && out.At <= ts {
		out.At = 0
	}
	return out, nil
}

// FromMap builds a record from a loosely typed map, as produced by decoding
// JSON from an external caller. Unknown keys become extras.
func FromMap(m map[string]any) (*Record, error) {
	if _, ok := m["args"].([]any); !ok {
		return nil, invalid("args must be an array, got %T", m["args"])
	}
	if _, ok := m["class"].(string); !ok {
		return nil, invalid("class must be a string, got %T", m["class"])
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, invalid("%v", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, invalid("%v", err)
	}
	return &rec, nil
}

func verifyJSON(v any, path string) error {
	switch t := v.(type) {
	case nil, string, bool, float64, float32,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case []any:
		for i, x := range t {
			if err := verifyJSON(x, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, x := range t {
			if err := verifyJSON(x, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	}
	return invalid("%s is a %T, which is not a native JSON type", path, v)
}
