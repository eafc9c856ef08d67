package job

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexJID = regexp.MustCompile(`^[0-9a-f]{24,}$`)

func fixedNow() time.Time {
	return time.Unix(1700000000, 0)
}

func TestNewJID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		jid := NewJID()
		require.Regexp(t, hexJID, jid)
		require.False(t, seen[jid], "duplicate jid %s", jid)
		seen[jid] = true
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	rec := &Record{Class: "Echo", Args: []any{"hi"}}
	out, err := Normalize(rec, Defaults{}, NormalizeOptions{Now: fixedNow})
	require.NoError(t, err)

	assert.Equal(t, "default", out.Queue)
	assert.Equal(t, true, out.Retry)
	assert.Regexp(t, hexJID, out.JID)
	assert.Equal(t, Epoch(fixedNow()), out.CreatedAt)
	assert.Empty(t, rec.JID, "input must not be mutated")
}

func TestNormalizeHandlerDefaultsDoNotOverwrite(t *testing.T) {
	defaults := Defaults{Queue: "mailers", Retry: 3, Extra: map[string]any{"tags": []string{"mail"}}}

	out, err := Normalize(&Record{Class: "Mail", Args: []any{}}, defaults, NormalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "mailers", out.Queue)
	assert.Equal(t, 3, out.Retry)
	var tags []string
	found, err := out.Get("tags", &tags)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"mail"}, tags)

	rec := &Record{Class: "Mail", Args: []any{}, Queue: "critical", Retry: false}
	require.NoError(t, rec.Set("tags", []string{"mine"}))
	out, err = Normalize(rec, defaults, NormalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "critical", out.Queue)
	assert.Equal(t, false, out.Retry)
	_, err = out.Get("tags", &tags)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, tags)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	rec := &Record{Class: "Echo", Args: []any{"hi", 1.5, map[string]any{"k": "v"}}}
	require.NoError(t, rec.Set("trace_id", "abc"))

	once, err := Normalize(rec, Defaults{Queue: "q"}, NormalizeOptions{})
	require.NoError(t, err)
	twice, err := Normalize(once, Defaults{Queue: "other"}, NormalizeOptions{})
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, once.JID, twice.JID)
	assert.Equal(t, once.CreatedAt, twice.CreatedAt)
}

func TestNormalizeCollapsesPastAt(t *testing.T) {
	past := &Record{Class: "Echo", Args: []any{}, At: Epoch(fixedNow()) - 10}
	out, err := Normalize(past, Defaults{}, NormalizeOptions{Now: fixedNow})
	require.NoError(t, err)
	assert.Zero(t, out.At)

	future := &Record{Class: "Echo", Args: []any{}, At: Epoch(fixedNow()) + 3600}
	out, err = Normalize(future, Defaults{}, NormalizeOptions{Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, Epoch(fixedNow())+3600, out.At)
}

func TestNormalizeRejectsInvalidJobs(t *testing.T) {
	tests := []struct {
		name string
		rec  *Record
		opts NormalizeOptions
	}{
		{"nil", nil, NormalizeOptions{}},
		{"missing class", &Record{Args: []any{}}, NormalizeOptions{}},
		{"blank class", &Record{Class: "  ", Args: []any{}}, NormalizeOptions{}},
		{"missing args", &Record{Class: "Echo"}, NormalizeOptions{}},
		{"blank queue", &Record{Class: "Echo", Args: []any{}, Queue: "   "}, NormalizeOptions{}},
		{"bad retry", &Record{Class: "Echo", Args: []any{}, Retry: "yes"}, NormalizeOptions{}},
		{"strict args", &Record{Class: "Echo", Args: []any{time.Now()}}, NormalizeOptions{StrictArgs: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.rec, Defaults{}, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidJob), "want ErrInvalidJob, got %v", err)
		})
	}
}

func TestFromMap(t *testing.T) {
	rec, err := FromMap(map[string]any{"class": "Echo", "args": []any{"hi"}, "custom": "x"})
	require.NoError(t, err)
	assert.Equal(t, "Echo", rec.Class)
	assert.Equal(t, []any{"hi"}, rec.Args)
	assert.Contains(t, rec.Extra, "custom")

	_, err = FromMap(map[string]any{"class": "Echo", "args": "hi"})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = FromMap(map[string]any{"class": "Echo", "args": map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = FromMap(map[string]any{"args": []any{}})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestUnknownKeysRoundTrip(t *testing.T) {
	payload := `{"class":"Echo","args":[1,"two",{"three":3.5}],"queue":"default","jid":"0123456789abcdef01234567",` +
		`"created_at":1700000000.25,"retry":5,"custom":{"nested":[1,2]},"tenant":"acme"}`

	rec, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "two", map[string]any{"three": 3.5}}, rec.Args)
	assert.Equal(t, int64(5), rec.Retry)
	assert.Nil(t, rec.RetryCount)

	out, err := rec.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(out))
}

func TestDecodeMalformed(t *testing.T) {
	for _, payload := range []string{`not json`, `[]`, `null`, `{"class":"Echo","args":"hi"}`, `{"class":"Echo","args":{}}`} {
		_, err := Decode([]byte(payload))
		require.Error(t, err, payload)
		assert.ErrorIs(t, err, ErrMalformedPayload, payload)
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		retry   any
		enabled bool
		max     int
	}{
		{nil, true, 25},
		{true, true, 25},
		{false, false, 25},
		{3, true, 3},
		{int64(0), true, 0},
		{float64(7), true, 7},
	}
	for _, tt := range tests {
		rec := Record{Retry: tt.retry}
		enabled, max := rec.RetryPolicy(25)
		assert.Equal(t, tt.enabled, enabled, "retry=%v", tt.retry)
		assert.Equal(t, tt.max, max, "retry=%v", tt.retry)
	}
}

func TestRetryCountOmittedUntilSet(t *testing.T) {
	rec := Record{Class: "Echo", Args: []any{}}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "retry_count")
	assert.NotContains(t, string(data), "enqueued_at")

	n := 0
	rec.RetryCount = &n
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"retry_count":0`)
}

func TestSetRejectsReservedKeys(t *testing.T) {
	var rec Record
	assert.Error(t, rec.Set("jid", "x"))
	assert.NoError(t, rec.Set("tenant", "acme"))
}

func TestEpochRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 500000000)
	assert.WithinDuration(t, ts, Time(Epoch(ts)), time.Microsecond)
}
