package anymail

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLast(t *testing.T) {
	assert.True(t, Last[int]().IsAbsent())
	assert.Equal(t, Some(1), Last(Some(1), Option[int]{}))
	assert.Equal(t, Some(2), Last(Some(1), Some(2)))
	assert.Equal(t, Some(2), Last(Null[int](), Some(2)))
	assert.True(t, Last(Some(1), Null[int]()).IsAbsent())
}

func TestCombine_Maps(t *testing.T) {
	defaults := map[string]any{"a": 1, "b": 1}
	got := Combine(Some(defaults), Some(map[string]any{"b": 2}))

	v, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, v)
	assert.Equal(t, map[string]any{"a": 1, "b": 1}, defaults)
}

func TestCombine_Slices(t *testing.T) {
	defaults := []string{"d"}
	got, _ := Combine(Some(defaults), Option[[]string]{}, Some([]string{"m"})).Get()
	assert.Equal(t, []string{"d", "m"}, got)
	assert.Equal(t, []string{"d"}, defaults)
}

func TestCombine_NullDiscardsEarlier(t *testing.T) {
	got, _ := Combine(Some([]string{"d"}), Null[[]string](), Some([]string{"m"})).Get()
	assert.Equal(t, []string{"m"}, got)

	assert.True(t, Combine(Some([]string{"d"}), Null[[]string]()).IsAbsent())
}

func TestCombine_Scalars(t *testing.T) {
	assert.Equal(t, Some("b"), Combine(Some("a"), Some("b")))
}

func TestOption_JSON(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{
		"from": "from@example.com",
		"tags": null,
		"metadata": {"k": "v"},
		"track_opens": false
	}`), &msg))

	assert.True(t, msg.Tags.IsNull())
	assert.True(t, msg.TemplateID.IsAbsent())
	md, ok := msg.Metadata.Get()
	require.True(t, ok)
	assert.Equal(t, "v", md["k"])
	opens, ok := msg.TrackOpens.Get()
	require.True(t, ok)
	assert.False(t, opens)

	out, err := json.Marshal(Some([]string{"x"}))
	require.NoError(t, err)
	assert.JSONEq(t, `["x"]`, string(out))
}

func TestOption_YAML(t *testing.T) {
	var opts Options
	require.NoError(t, yaml.Unmarshal([]byte("tags: [a, b]\nmetadata: null\nsend_at: 2026-05-01\n"), &opts))

	tags, ok := opts.Tags.Get()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, tags)
	assert.True(t, opts.Metadata.IsAbsent())
	sendAt, ok := opts.SendAt.Get()
	require.True(t, ok)
	assert.Equal(t, 2026, sendAt.Time.Year())
}

func TestOverride(t *testing.T) {
	base := Options{Tags: Some([]string{"a"}), TrackClicks: Some(true)}
	got := base.Override(Options{Tags: Null[[]string]()})
	assert.True(t, got.Tags.IsNull())
	assert.Equal(t, Some(true), got.TrackClicks)
}

func TestParseSendAt(t *testing.T) {
	assert.Equal(t, int64(1461095246), ParseSendAt("1461095246").Time.Unix())
	assert.Equal(t, 5, int(ParseSendAt("2026-05-01T10:00:00+05:00").Time.UTC().Hour()))

	raw := ParseSendAt("next tuesday")
	assert.True(t, raw.IsRaw())
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	assert.Equal(t, `"next tuesday"`, string(b))
}
