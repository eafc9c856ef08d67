// Package job defines the Job Record, the serializable unit of work that
// travels between clients, the backing store and workers.
//
// A Record is stored as a flat JSON object. Known keys map onto struct
// fields; every other key is kept in Extra and written back unmodified so
// that handler-defined metadata survives a round trip through any process.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DefaultQueue is the queue used when neither the caller nor the handler
// names one.
const DefaultQueue = "default"

// Record is one unit of work.
type Record struct {
	// Class identifies the handler that performs the job.
	Class string `json:"class"`

	// Args are the positional arguments passed to the handler. Always an array.
	Args []any `json:"args"`

	// Queue is the live queue the job is pushed to.
	Queue string `json:"queue"`

	// JID is the unique job id. It is assigned once and never changes.
	JID string `json:"jid"`

	// Retry is true, false or a maximum number of retries.
	Retry any `json:"retry,omitempty"`

	// CreatedAt and EnqueuedAt are epoch seconds. EnqueuedAt stays zero for
	// scheduled jobs until they reach a live queue.
	CreatedAt  float64 `json:"created_at"`
	EnqueuedAt float64 `json:"enqueued_at,omitempty"`

	// At, when set, schedules the job for a future time (epoch seconds).
	At float64 `json:"at,omitempty"`

	// RetryCount is nil on the first attempt.
	RetryCount *int `json:"retry_count,omitempty"`

	ErrorClass   string   `json:"error_class,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Backtrace    []string `json:"backtrace,omitempty"`
	FailedAt     float64  `json:"failed_at,omitempty"`
	RetriedAt    float64  `json:"retried_at,omitempty"`

	// Extra holds every key the struct does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// record is Record without methods, used to avoid recursive marshaling.
type record Record

var knownKeys = map[string]struct{}{
	"class": {}, "args": {}, "queue": {}, "jid": {}, "retry": {},
	"created_at": {}, "enqueued_at": {}, "at": {}, "retry_count": {},
	"error_class": {}, "error_message": {}, "backtrace": {},
	"failed_at": {}, "retried_at": {},
}

// MarshalJSON writes the known fields and the extra keys as one flat object.
func (r Record) MarshalJSON() ([]byte, error) {
	args := r.Args
	if args == nil {
		args = []any{}
	}
	rr := record(r)
	rr.Args = args
	base, err := json.Marshal(rr)
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(r.Extra)+len(knownKeys))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, known := knownKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads a flat object. It fails when the payload is not an
// object or when args is present but not an array.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("job payload is null")
	}
	if a, ok := raw["args"]; ok {
		trimmed := bytes.TrimSpace(a)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return fmt.Errorf("args must be an array, got %s", truncate(string(trimmed), 32))
		}
	}

	var rr record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rr); err != nil {
		return err
	}
	rr.Args = normalizeNumbers(rr.Args)
	if n, ok := rr.Retry.(json.Number); ok {
		rr.Retry = numberValue(n)
	}

	for k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		rr.Extra = raw
	} else {
		rr.Extra = nil
	}
	*r = Record(rr)
	return nil
}

// Encode serializes the record to its wire form.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a wire payload. Any failure is reported as ErrMalformedPayload.
func Decode(payload []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, &MalformedPayloadError{Payload: truncate(string(payload), 256), Err: err}
	}
	return &r, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Args != nil {
		c.Args = cloneValue(r.Args).([]any)
	}
	if r.RetryCount != nil {
		n := *r.RetryCount
		c.RetryCount = &n
	}
	if r.Backtrace != nil {
		c.Backtrace = append([]string(nil), r.Backtrace...)
	}
	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// Get decodes the extra key into v. It reports whether the key was present.
func (r *Record) Get(key string, v any) (bool, error) {
	raw, ok := r.Extra[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Set stores v under an extra key. Known keys must be set through fields.
func (r *Record) Set(key string, v any) error {
	if _, known := knownKeys[key]; known {
		return fmt.Errorf("job: %q is a reserved key", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if r.Extra == nil {
		r.Extra = make(map[string]json.RawMessage)
	}
	r.Extra[key] = data
	return nil
}

// Attempts returns the number of prior retries, zero when never retried.
func (r *Record) Attempts() int {
	if r.RetryCount == nil {
		return 0
	}
	return *r.RetryCount
}

// RetryPolicy interprets the retry key. A missing key or true enable retries
// up to defaultMax, a number sets the maximum itself and false disables them.
func (r *Record) RetryPolicy(defaultMax int) (enabled bool, max int) {
	switch v := r.Retry.(type) {
	case nil:
		return true, defaultMax
	case bool:
		return v, defaultMax
	case float64:
		return true, int(v)
	case int:
		return true, v
	case int64:
		return true, int(v)
	}
	return true, defaultMax
}

// Time converts epoch seconds to a time.Time.
func Time(epoch float64) time.Time {
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Epoch converts t to epoch seconds with sub-second precision.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// normalizeNumbers turns json.Number values produced by UseNumber into
// int64 when integral and float64 otherwise.
func normalizeNumbers(args []any) []any {
	if args == nil {
		return nil
	}
	return fixNumbers(args).([]any)
}

func fixNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return numberValue(t)
	case []any:
		for i := range t {
			t[i] = fixNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = fixNumbers(t[k])
		}
		return t
	}
	return v
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	}
	return v
}
