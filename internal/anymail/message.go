package anymail

import (
	"encoding/base64"
	"encoding/json"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Message is the canonical outbound email. The core never mutates it except
// to attach Status after a send.
type Message struct {
	From         string            `json:"from"`
	To           []string          `json:"to,omitempty"`
	Cc           []string          `json:"cc,omitempty"`
	Bcc          []string          `json:"bcc,omitempty"`
	ReplyTo      []string          `json:"reply_to,omitempty"`
	Subject      string            `json:"subject"`
	TextBody     string            `json:"text_body,omitempty"`
	HTMLBody     string            `json:"html_body,omitempty"`
	Alternatives []Alternative     `json:"alternatives,omitempty"`
	Headers      map[string]string `json:"extra_headers,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`

	Options

	// Status is set by Backend.SendMessages. It stays nil when the send failed
	// before a usable ESP response was parsed.
	Status *AggregateStatus `json:"-"`
}

// Options are the Anymail-specific attributes. The same struct carries the
// configured send defaults.
type Options struct {
	Metadata        Option[map[string]any]            `json:"metadata" yaml:"metadata"`
	SendAt          Option[SendAt]                    `json:"send_at" yaml:"send_at"`
	Tags            Option[[]string]                  `json:"tags" yaml:"tags"`
	TrackClicks     Option[bool]                      `json:"track_clicks" yaml:"track_clicks"`
	TrackOpens      Option[bool]                      `json:"track_opens" yaml:"track_opens"`
	TemplateID      Option[string]                    `json:"template_id" yaml:"template_id"`
	MergeData       Option[map[string]map[string]any] `json:"merge_data" yaml:"merge_data"`
	MergeGlobalData Option[map[string]any]            `json:"merge_global_data" yaml:"merge_global_data"`
	MergeMetadata   Option[map[string]map[string]any] `json:"merge_metadata" yaml:"merge_metadata"`
	ESPExtra        Option[map[string]any]            `json:"esp_extra" yaml:"esp_extra"`
}

// Override returns o with every attribute that is not absent in other replaced
// by other's value. ESP-specific send defaults are applied this way.
func (o Options) Override(other Options) Options {
	o.Metadata = prefer(o.Metadata, other.Metadata)
	o.SendAt = prefer(o.SendAt, other.SendAt)
	o.Tags = prefer(o.Tags, other.Tags)
	o.TrackClicks = prefer(o.TrackClicks, other.TrackClicks)
	o.TrackOpens = prefer(o.TrackOpens, other.TrackOpens)
	o.TemplateID = prefer(o.TemplateID, other.TemplateID)
	o.MergeData = prefer(o.MergeData, other.MergeData)
	o.MergeGlobalData = prefer(o.MergeGlobalData, other.MergeGlobalData)
	o.MergeMetadata = prefer(o.MergeMetadata, other.MergeMetadata)
	o.ESPExtra = prefer(o.ESPExtra, other.ESPExtra)
	return o
}

func prefer[T any](base, override Option[T]) Option[T] {
	if override.IsAbsent() {
		return base
	}
	return override
}

// UnmarshalYAML decodes a YAML value as set. yaml.v3 does not call unmarshalers
// for null nodes, so null in a defaults file leaves the attribute absent.
func (o *Option[T]) UnmarshalYAML(n *yaml.Node) error {
	var v T
	if err := n.Decode(&v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Recipients returns the to, cc and bcc addresses in send order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return append(out, m.Bcc...)
}

// Alternative is an extra body part with a content type other than text/plain.
type Alternative struct {
	Content  string `json:"content"`
	MimeType string `json:"mimetype"`
}

// Attachment is a file attached to the message. Inline attachments are
// referenced from the HTML body by ContentID.
type Attachment struct {
	Name      string `json:"name"`
	Content   []byte `json:"content"`
	MimeType  string `json:"mimetype,omitempty"`
	Inline    bool   `json:"inline,omitempty"`
	ContentID string `json:"content_id,omitempty"`
}

// ContentType returns MimeType, guessed from the file name when empty.
func (a Attachment) ContentType() string {
	if a.MimeType != "" {
		return a.MimeType
	}
	if ext := filepath.Ext(a.Name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// CID returns ContentID without surrounding angle brackets.
func (a Attachment) CID() string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(a.ContentID), "<"), ">")
}

func (a Attachment) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Content)
}

// SendAt is a scheduled send time. Raw carries an ESP-specific value that is
// passed through untouched when it could not be parsed as a time.
type SendAt struct {
	Time time.Time
	Raw  string
}

func (s SendAt) IsRaw() bool { return s.Time.IsZero() && s.Raw != "" }

// ParseSendAt accepts RFC 3339 datetimes, dates (midnight UTC) and unix
// timestamps. Anything else is kept as Raw.
func ParseSendAt(v string) SendAt {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return SendAt{Time: t}
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return SendAt{Time: t.UTC()}
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return SendAt{Time: unixTime(secs)}
	}
	return SendAt{Raw: v}
}

func unixTime(secs float64) time.Time {
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
}

func (s SendAt) MarshalJSON() ([]byte, error) {
	if s.IsRaw() {
		return json.Marshal(s.Raw)
	}
	return json.Marshal(s.Time.UTC().Format(time.RFC3339))
}

func (s *SendAt) UnmarshalJSON(b []byte) error {
	var num float64
	if err := json.Unmarshal(b, &num); err == nil {
		*s = SendAt{Time: unixTime(num)}
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*s = ParseSendAt(str)
	return nil
}

func (s *SendAt) UnmarshalYAML(n *yaml.Node) error {
	*s = ParseSendAt(n.Value)
	return nil
}
