package conflict

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/models"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var detectedAt = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func testDetector() *Detector {
	d := NewDetector(0)
	d.now = func() time.Time { return detectedAt }

	return d
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// --- Detect ---

func TestDetect_NoServerCopy(t *testing.T) {
	d := testDetector()

	assert.Nil(t, d.Detect(models.EntityMessage, raw(`{"id":"m1"}`), nil))
	assert.Nil(t, d.Detect(models.EntityMessage, raw(`{"id":"m1"}`), raw(`null`)))
}

func TestDetect_IdenticalPayloadsNeverConflict(t *testing.T) {
	d := testDetector()
	local := raw(`{"id":"m1","content":"hola","updated_at":"2026-06-01T08:00:00Z"}`)

	for _, skew := range []string{"2026-06-01T08:00:00Z", "2026-06-01T08:00:04Z", "2026-06-01T07:59:56Z", "2026-06-01T09:00:00Z"} {
		server := raw(`{"content":"hola","id":"m1","updated_at":"` + skew + `"}`)
		assert.Nil(t, d.Detect(models.EntityMessage, local, server), skew)
	}
}

func TestDetect_NormalisationNoiseIsNotDivergence(t *testing.T) {
	d := testDetector()

	// "é" precomposed (U+00E9) vs "e" + combining acute (U+0301).
	local := raw(`{"id":"m1","content":"caf\u00e9","audio_url":"","updated_at":"2026-06-01T08:00:00Z"}`)
	server := raw(`{"id":"m1","content":"cafe\u0301","audio_url":null,"updated_at":"2026-06-01T08:10:00Z"}`)

	assert.Nil(t, d.Detect(models.EntityMessage, local, server))
}

func TestDetect_DifferentPayloadsWithinTolerance(t *testing.T) {
	d := testDetector()
	local := raw(`{"id":"m1","content":"a","updated_at":"2026-06-01T08:00:00Z"}`)
	server := raw(`{"id":"m1","content":"b","updated_at":"2026-06-01T08:00:05Z"}`)

	assert.Nil(t, d.Detect(models.EntityMessage, local, server), "exactly at tolerance is not a conflict")
}

func TestDetect_DifferentPayloadsBeyondTolerance(t *testing.T) {
	d := testDetector()
	local := raw(`{"id":"m1","content":"a","updated_at":"2026-06-01T08:00:06Z"}`)
	server := raw(`{"id":"m1","content":"b","updated_at":"2026-06-01T08:00:00Z"}`)

	c := d.Detect(models.EntityMessage, local, server)
	require.NotNil(t, c)

	assert.Equal(t, "message:m1:"+itoa(detectedAt.UnixMilli()), c.ID)
	assert.Equal(t, models.EntityMessage, c.Type)
	assert.Equal(t, "m1", c.EntityID)
	assert.False(t, c.Resolved)
	assert.JSONEq(t, string(local), string(c.LocalData))
	assert.JSONEq(t, string(server), string(c.ServerData))
}

func TestDetect_FallsBackToCreatedAt(t *testing.T) {
	d := testDetector()
	local := raw(`{"id":"c1","title":"a","created_at":"2026-06-01T08:00:00Z"}`)
	server := raw(`{"id":"c1","title":"b","created_at":"2026-06-01T08:01:00Z"}`)

	assert.NotNil(t, d.Detect(models.EntityConversation, local, server))
}

func TestDetect_MissingTimestampsConflict(t *testing.T) {
	d := testDetector()
	assert.NotNil(t, d.Detect(models.EntityConversation, raw(`{"id":"c1","title":"a"}`), raw(`{"id":"c1","title":"b"}`)))
}

func TestDetect_DeviceTagIsDivergence(t *testing.T) {
	d := testDetector()
	local := raw(`{"id":"c1","topic":"travel","device_id":"dev-a","updated_at":"2026-06-01T09:00:00Z"}`)
	server := raw(`{"id":"c1","topic":"travel","device_id":"dev-b","updated_at":"2026-06-01T08:00:00Z"}`)

	c := d.Detect(models.EntityConversation, local, server)
	require.NotNil(t, c)
	assert.Equal(t, "c1", c.EntityID)

	assert.Nil(t, d.Detect(models.EntityConversation, local,
		raw(`{"id":"c1","topic":"travel","device_id":"dev-b","updated_at":"2026-06-01T09:00:03Z"}`)),
		"within tolerance")
}

func TestOnlyFieldsDiffer_IgnoresDeviceTag(t *testing.T) {
	local := raw(`{"id":"m1","content":"hola","guidance":"stress the o","device_id":"dev-a"}`)
	server := raw(`{"id":"m1","content":"hola","device_id":"dev-b"}`)

	assert.True(t, OnlyFieldsDiffer(local, server, FeedbackFields))
	assert.False(t, Equivalent(local, raw(`{"id":"m1","content":"hola","guidance":"stress the o","device_id":"dev-b"}`)))
}

func TestDetect_CustomTolerance(t *testing.T) {
	d := NewDetector(time.Minute)
	local := raw(`{"id":"m1","content":"a","updated_at":"2026-06-01T08:00:30Z"}`)
	server := raw(`{"id":"m1","content":"b","updated_at":"2026-06-01T08:00:00Z"}`)

	assert.Nil(t, d.Detect(models.EntityMessage, local, server))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// --- Strategies ---

func TestServerAndClientWins(t *testing.T) {
	local, server := raw(`{"v":"local"}`), raw(`{"v":"server"}`)

	out, err := resolveServerWins(local, server, Rule{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"server"}`, string(out))

	out, err = resolveClientWins(local, server, Rule{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"local"}`, string(out))
}

func TestLatestTimestampWins(t *testing.T) {
	older := raw(`{"v":"old","updated_at":"2026-06-01T08:00:00Z"}`)
	newer := raw(`{"v":"new","updated_at":"2026-06-01T08:00:10Z"}`)

	out, _ := resolveLatestTimestamp(newer, older, Rule{})
	assert.JSONEq(t, string(newer), string(out), "local newer")

	out, _ = resolveLatestTimestamp(older, newer, Rule{})
	assert.JSONEq(t, string(newer), string(out), "server newer")

	tie := raw(`{"v":"server","updated_at":"2026-06-01T08:00:00Z"}`)
	out, _ = resolveLatestTimestamp(older, tie, Rule{})
	assert.JSONEq(t, string(tie), string(out), "ties go to the server")
}

func TestFieldMerge_ScenarioB(t *testing.T) {
	local := raw(`{"id":"m2","conversation_id":"c1","user_id":"u1","content":"I like to travel","prosody_feedback":{"score":0.82,"notes":["rising intonation"]},"updated_at":"2026-06-01T08:10:00Z","device_id":"phone"}`)
	server := raw(`{"id":"m2","conversation_id":"c1","user_id":"u1","content":"I like to travel","prosody_feedback":null,"updated_at":"2026-06-01T08:00:00Z"}`)

	c := testDetector().Detect(models.EntityMessage, local, server)
	require.NotNil(t, c)

	r := NewResolver(DefaultPolicy(), testLogger)
	require.NoError(t, r.Resolve(c))

	assert.True(t, c.Resolved)
	assert.Equal(t, FieldMerge, c.Strategy)
	assert.JSONEq(t, `{"id":"m2","conversation_id":"c1","user_id":"u1","content":"I like to travel","prosody_feedback":{"score":0.82,"notes":["rising intonation"]},"updated_at":"2026-06-01T08:00:00Z"}`, string(c.Resolution))
}

func TestFieldMerge_RejectsCoreDifference(t *testing.T) {
	rule := Rule{Strategy: FieldMerge, MergeFields: FeedbackFields}
	local := raw(`{"content":"a","guidance":"slow down"}`)
	server := raw(`{"content":"b"}`)

	_, err := resolveFieldMerge(local, server, rule)
	assert.ErrorIs(t, err, syncerr.ErrMergeRejected)
}

func TestFieldMerge_KeepsServerValueWhenLocalAbsent(t *testing.T) {
	rule := Rule{Strategy: FieldMerge, MergeFields: FeedbackFields}
	local := raw(`{"content":"a","guidance":null}`)
	server := raw(`{"content":"a","guidance":"from server","vocab_suggestions":["viajar"]}`)

	out, err := resolveFieldMerge(local, server, rule)
	require.NoError(t, err)
	assert.JSONEq(t, string(server), string(out))
}

func TestResolution_Deterministic(t *testing.T) {
	local := raw(`{"id":"m1","content":"x","guidance":"g","vocab_suggestions":["a","b"],"updated_at":"2026-06-01T08:10:00Z"}`)
	server := raw(`{"id":"m1","content":"x","updated_at":"2026-06-01T08:00:00Z"}`)
	rule := Rule{MergeFields: FeedbackFields}

	for name, fn := range builtinStrategies() {
		first, err := fn(local, server, rule)
		require.NoError(t, err, name)

		for range 20 {
			again, err := fn(local, server, rule)
			require.NoError(t, err)
			assert.Equal(t, string(first), string(again), name)
		}
	}
}

// --- Policy ---

func TestPolicy_Select(t *testing.T) {
	p := DefaultPolicy()

	conv := &Conflict{Type: models.EntityConversation}
	s, _ := p.Select(conv)
	assert.Equal(t, LatestTimestampWins, s)

	feedbackOnly := &Conflict{
		Type:       models.EntityMessage,
		LocalData:  raw(`{"content":"x","guidance":"g"}`),
		ServerData: raw(`{"content":"x"}`),
	}
	s, _ = p.Select(feedbackOnly)
	assert.Equal(t, FieldMerge, s)

	contentDiffers := &Conflict{
		Type:       models.EntityMessage,
		LocalData:  raw(`{"content":"x","guidance":"g"}`),
		ServerData: raw(`{"content":"y"}`),
	}
	s, _ = p.Select(contentDiffers)
	assert.Equal(t, ServerWins, s)

	profile := &Conflict{Type: "profile"}
	s, _ = p.Select(profile)
	assert.Equal(t, FieldMerge, s)

	unknown := &Conflict{Type: "attachment"}
	s, _ = p.Select(unknown)
	assert.Equal(t, ServerWins, s)
}

func TestLoadPolicy_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entities:
  conversation:
    strategy: client-wins
  message:
    strategy: field-merge
    merge_fields: [guidance]
    fallback: latest-timestamp-wins
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, ClientWins, p["conversation"].Strategy)
	assert.Equal(t, []string{"guidance"}, p["message"].MergeFields)
	assert.Equal(t, LatestTimestampWins, p["message"].Fallback)
	assert.Equal(t, FieldMerge, p["profile"].Strategy, "defaults kept for types not in the file")
}

func TestLoadPolicy_RejectsUnknownStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities:\n  message:\n    strategy: coin-flip\n"), 0o600))

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coin-flip")
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// --- Resolver ---

func TestResolveAll_IsolatesFailures(t *testing.T) {
	p := Policy{
		"conversation": {Strategy: "exploding"},
		"message":      {Strategy: "missing"},
		"profile":      {Strategy: ServerWins},
	}
	r := NewResolver(p, testLogger)
	r.Register("exploding", func(_, _ json.RawMessage, _ Rule) (json.RawMessage, error) {
		panic("boom")
	})

	good := &Conflict{ID: "profile:p1:1", Type: "profile", LocalData: raw(`{"a":1}`), ServerData: raw(`{"a":2}`)}
	panics := &Conflict{ID: "conversation:c1:1", Type: models.EntityConversation, LocalData: raw(`{}`), ServerData: raw(`{}`)}
	unknown := &Conflict{ID: "message:m1:1", Type: models.EntityMessage, LocalData: raw(`{}`), ServerData: raw(`{}`)}

	errs := r.ResolveAll([]*Conflict{panics, good, unknown})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "panicked")
	assert.ErrorIs(t, errs[1], syncerr.ErrUnknownStrategy)

	assert.True(t, good.Resolved)
	assert.JSONEq(t, `{"a":2}`, string(good.Resolution))
	assert.False(t, panics.Resolved)
	assert.Nil(t, panics.Resolution)
	assert.False(t, unknown.Resolved)
}

func TestResolveAll_SkipsResolved(t *testing.T) {
	r := NewResolver(nil, testLogger)
	c := &Conflict{Type: models.EntityConversation, Resolved: true, Strategy: Manual, Resolution: raw(`{"keep":true}`)}

	assert.Empty(t, r.ResolveAll([]*Conflict{c}))
	assert.Equal(t, Manual, c.Strategy)
}

func TestResolveManual(t *testing.T) {
	r := NewResolver(nil, testLogger)
	base := Conflict{LocalData: raw(`{"v":"l"}`), ServerData: raw(`{"v":"s"}`)}

	c := base
	require.NoError(t, r.ResolveManual(&c, ChoiceLocal, nil))
	assert.JSONEq(t, `{"v":"l"}`, string(c.Resolution))
	assert.Equal(t, Manual, c.Strategy)
	assert.True(t, c.Resolved)

	c = base
	require.NoError(t, r.ResolveManual(&c, ChoiceServer, nil))
	assert.JSONEq(t, `{"v":"s"}`, string(c.Resolution))

	c = base
	require.NoError(t, r.ResolveManual(&c, ChoiceCustom, raw(`{"v":"mine"}`)))
	assert.JSONEq(t, `{"v":"mine"}`, string(c.Resolution))

	c = base
	assert.Error(t, r.ResolveManual(&c, ChoiceCustom, raw(`not json`)))
	assert.Error(t, r.ResolveManual(&c, "both", nil))
	assert.False(t, c.Resolved)
}

// --- Diff ---

func TestConflict_Diff(t *testing.T) {
	c := &Conflict{
		LocalData:  raw(`{"id":"m1","content":"hola amigo"}`),
		ServerData: raw(`{"content":"hola","id":"m1"}`),
	}

	diff := c.Diff()
	assert.Contains(t, diff, `-   "content": "hola",`)
	assert.Contains(t, diff, `+   "content": "hola amigo",`)
	assert.Contains(t, diff, `    "id": "m1"`)
}
