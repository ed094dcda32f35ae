package anymail

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, msg *Message, settings Settings) (*fakePayload, error) {
	t.Helper()
	p, err := BuildPayload(&fakeESP{url: "http://esp.invalid"}, msg, settings)
	if err != nil {
		return nil, err
	}
	return p.(*fakePayload), nil
}

func TestBuildPayload_StandardFields(t *testing.T) {
	p, err := build(t, &Message{
		From:     `"Sender, Inc." <from@example.com>`,
		To:       []string{"to@example.com", "Other <other@example.com>"},
		Bcc:      []string{"bcc@example.com"},
		Subject:  "Hi",
		TextBody: "text",
		HTMLBody: "<p>html</p>",
	}, Settings{})
	require.NoError(t, err)

	assert.Equal(t, `"Sender, Inc." <from@example.com>`, p.data["from"])
	assert.Equal(t, []any{"to@example.com", `"Other" <other@example.com>`}, p.data["to"])
	assert.Equal(t, []any{"bcc@example.com"}, p.data["bcc"])
	assert.Len(t, p.recipients, 3)
	assert.Equal(t, "<p>html</p>", p.data["html"])
}

func TestBuildPayload_InvalidAddress(t *testing.T) {
	_, err := build(t, &Message{From: "from@example.com", To: []string{"not an address"}}, Settings{})
	var addrErr *InvalidAddressError
	require.ErrorAs(t, err, &addrErr)
	assert.Equal(t, "not an address", addrErr.Address)
	assert.True(t, IsAnymailError(err))
}

func TestBuildPayload_Unsupported(t *testing.T) {
	msg := &Message{From: "from@example.com", To: []string{"to@example.com"}}
	msg.TrackClicks = Some(true)

	_, err := build(t, msg, Settings{})
	var unsupported *UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "track_clicks", unsupported.Feature)
	assert.Contains(t, err.Error(), "ANYMAIL_IGNORE_UNSUPPORTED_FEATURES")

	_, err = build(t, msg, Settings{IgnoreUnsupportedFeatures: true})
	assert.NoError(t, err)
}

func TestBuildPayload_MultipleHTMLParts(t *testing.T) {
	_, err := build(t, &Message{
		From:         "from@example.com",
		To:           []string{"to@example.com"},
		HTMLBody:     "<p>one</p>",
		Alternatives: []Alternative{{Content: "<p>two</p>", MimeType: "text/html"}},
	}, Settings{IgnoreUnsupportedFeatures: true})
	var unsupported *UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "multiple html parts", unsupported.Feature)
}

func TestBuildPayload_SendDefaults(t *testing.T) {
	settings := Settings{
		SendDefaults: Options{
			Metadata:    Some(map[string]any{"global": "g", "shared": "default"}),
			Tags:        Some([]string{"default-tag"}),
			TrackClicks: Some(true),
		},
		ESPSendDefaults: map[string]Options{
			"fake": {Metadata: Some(map[string]any{"esp": "e", "shared": "esp"})},
		},
	}
	msg := &Message{From: "from@example.com", To: []string{"to@example.com"}}
	msg.Metadata = Some(map[string]any{"shared": "message"})
	msg.Tags = Some([]string{"message-tag"})
	// null suppresses the default that the fake ESP could not send
	msg.TrackClicks = Null[bool]()

	p, err := build(t, msg, settings)
	require.NoError(t, err)

	// ESP defaults replace the global metadata default rather than merging into it.
	assert.Equal(t, map[string]any{"esp": "e", "shared": "message"}, p.data["metadata"])
	assert.Equal(t, []string{"default-tag", "message-tag"}, p.data["tags"])
	assert.Equal(t, map[string]any{"global": "g", "shared": "default"}, settings.SendDefaults.Metadata.value)
}

func TestBuildPayload_ESPExtraMergesLast(t *testing.T) {
	msg := &Message{From: "from@example.com", To: []string{"to@example.com"}, Subject: "original"}
	msg.Metadata = Some(map[string]any{"a": "1"})
	msg.ESPExtra = Some(map[string]any{
		"subject":  "overridden",
		"metadata": map[string]any{"b": "2"},
		"options":  map[string]any{"sandbox": true},
	})

	p, err := build(t, msg, Settings{})
	require.NoError(t, err)
	req, err := p.Serialize()
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(req[0].Body, &body))
	assert.Equal(t, "overridden", body["subject"])
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, body["metadata"])
	assert.Equal(t, map[string]any{"sandbox": true}, body["options"])
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"nested": map[string]any{"keep": 1, "replace": 1},
		"list":   []any{1, 2},
	}
	out, err := DeepMerge(dst, map[string]any{
		"nested": map[string]any{"replace": 2, "add": 3},
		"list":   []any{9},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"keep": 1, "replace": 2, "add": 3}, out["nested"])
	assert.Equal(t, []any{9}, out["list"])

	out, err = DeepMerge(nil, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)
}

func TestSerializeJSON_NamesField(t *testing.T) {
	_, err := SerializeJSON("Fake", map[string]any{
		"metadata": map[string]any{"ok": 1, "bad": make(chan int)},
	})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "metadata.bad", serr.Field)
	assert.Equal(t, "chan int", serr.Type)
	assert.Contains(t, err.Error(), "don't know how to send this data to Fake")
}

func TestAttachment(t *testing.T) {
	a := Attachment{Name: "report.pdf", Content: []byte("pdf"), ContentID: " <logo@example> "}
	assert.Equal(t, "application/pdf", a.ContentType())
	assert.Equal(t, "logo@example", a.CID())
	assert.Equal(t, "cGRm", a.Base64())
	assert.Equal(t, "application/octet-stream", Attachment{Name: "noext"}.ContentType())
}
