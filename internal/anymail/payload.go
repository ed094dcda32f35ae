package anymail

import (
	"fmt"
	"net/http"
)

// RecipientKind is the header a recipient is added to.
type RecipientKind string

const (
	KindTo  RecipientKind = "to"
	KindCc  RecipientKind = "cc"
	KindBcc RecipientKind = "bcc"
)

// Request is one serialized ESP API call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Payload accumulates one message's ESP request. BuildPayload drives the
// setters in a fixed order; Serialize produces the final request(s), in
// recipient order when the ESP needs one request per recipient.
type Payload interface {
	SetFrom(addr EmailAddress) error
	AddRecipient(kind RecipientKind, addr EmailAddress) error
	SetSubject(subject string) error
	SetReplyTo(addrs []EmailAddress) error
	SetExtraHeaders(headers map[string]string) error
	SetTextBody(body string) error
	SetHTMLBody(body string) error
	AddAlternative(content, mimetype string) error
	AddAttachment(att Attachment) error

	SetMetadata(metadata map[string]any) error
	SetSendAt(sendAt SendAt) error
	SetTags(tags []string) error
	SetTrackClicks(track bool) error
	SetTrackOpens(track bool) error
	SetTemplateID(id string) error
	SetMergeData(data map[string]map[string]any) error
	SetMergeGlobalData(data map[string]any) error
	SetMergeMetadata(data map[string]map[string]any) error
	SetESPExtra(extra map[string]any) error

	Serialize() ([]*Request, error)
}

// BasePayload is embedded by every ESP payload. Each setter it provides
// reports the feature as unsupported; ESP payloads override what they can
// express.
type BasePayload struct {
	ESP               string
	IgnoreUnsupported bool

	htmlSet bool
}

// Unsupported returns an UnsupportedFeatureError, or nil when unsupported
// features are configured to be ignored.
func (b *BasePayload) Unsupported(feature string) error {
	if b.IgnoreUnsupported {
		return nil
	}
	return &UnsupportedFeatureError{ESP: b.ESP, Feature: feature}
}

// ClaimHTMLBody must be called by SetHTMLBody implementations. Only one HTML
// part is allowed per message.
func (b *BasePayload) ClaimHTMLBody() error {
	if b.htmlSet {
		return &UnsupportedFeatureError{ESP: b.ESP, Feature: "multiple html parts"}
	}
	b.htmlSet = true
	return nil
}

func (b *BasePayload) SetFrom(EmailAddress) error { return b.Unsupported("from") }
func (b *BasePayload) AddRecipient(kind RecipientKind, _ EmailAddress) error {
	return b.Unsupported(string(kind))
}
func (b *BasePayload) SetSubject(string) error                 { return b.Unsupported("subject") }
func (b *BasePayload) SetReplyTo([]EmailAddress) error         { return b.Unsupported("reply_to") }
func (b *BasePayload) SetExtraHeaders(map[string]string) error { return b.Unsupported("extra_headers") }
func (b *BasePayload) SetTextBody(string) error                { return b.Unsupported("text body") }
func (b *BasePayload) SetHTMLBody(string) error                { return b.Unsupported("html body") }
func (b *BasePayload) AddAlternative(_, mimetype string) error {
	return b.Unsupported(fmt.Sprintf("alternative part with type %q", mimetype))
}
func (b *BasePayload) AddAttachment(Attachment) error       { return b.Unsupported("attachments") }
func (b *BasePayload) SetMetadata(map[string]any) error     { return b.Unsupported("metadata") }
func (b *BasePayload) SetSendAt(SendAt) error               { return b.Unsupported("send_at") }
func (b *BasePayload) SetTags([]string) error               { return b.Unsupported("tags") }
func (b *BasePayload) SetTrackClicks(bool) error            { return b.Unsupported("track_clicks") }
func (b *BasePayload) SetTrackOpens(bool) error             { return b.Unsupported("track_opens") }
func (b *BasePayload) SetTemplateID(string) error           { return b.Unsupported("template_id") }
func (b *BasePayload) SetMergeGlobalData(map[string]any) error {
	return b.Unsupported("merge_global_data")
}
func (b *BasePayload) SetMergeData(map[string]map[string]any) error {
	return b.Unsupported("merge_data")
}
func (b *BasePayload) SetMergeMetadata(map[string]map[string]any) error {
	return b.Unsupported("merge_metadata")
}
func (b *BasePayload) SetESPExtra(map[string]any) error { return b.Unsupported("esp_extra") }

type mergePolicy int

const (
	policyLast mergePolicy = iota
	policyCombine
)

// attribute is one row of the Anymail attribute table.
type attribute struct {
	name   string
	policy mergePolicy
	apply  func(p Payload, defaults, msg *Options) error
}

func attr[T any](name string, policy mergePolicy, field func(*Options) Option[T], set func(Payload, T) error) attribute {
	return attribute{
		name:   name,
		policy: policy,
		apply: func(p Payload, defaults, msg *Options) error {
			var resolved Option[T]
			if policy == policyCombine {
				resolved = Combine(field(defaults), field(msg))
			} else {
				resolved = Last(field(defaults), field(msg))
			}
			v, ok := resolved.Get()
			if !ok {
				return nil
			}
			return set(p, v)
		},
	}
}

// attributes is applied in order after the standard message fields.
// esp_extra stays last so it can override anything set before it.
var attributes = []attribute{
	attr("metadata", policyCombine, func(o *Options) Option[map[string]any] { return o.Metadata }, Payload.SetMetadata),
	attr("send_at", policyLast, func(o *Options) Option[SendAt] { return o.SendAt }, Payload.SetSendAt),
	attr("tags", policyCombine, func(o *Options) Option[[]string] { return o.Tags }, Payload.SetTags),
	attr("track_clicks", policyLast, func(o *Options) Option[bool] { return o.TrackClicks }, Payload.SetTrackClicks),
	attr("track_opens", policyLast, func(o *Options) Option[bool] { return o.TrackOpens }, Payload.SetTrackOpens),
	attr("template_id", policyLast, func(o *Options) Option[string] { return o.TemplateID }, Payload.SetTemplateID),
	attr("merge_data", policyCombine, func(o *Options) Option[map[string]map[string]any] { return o.MergeData }, Payload.SetMergeData),
	attr("merge_global_data", policyCombine, func(o *Options) Option[map[string]any] { return o.MergeGlobalData }, Payload.SetMergeGlobalData),
	attr("merge_metadata", policyCombine, func(o *Options) Option[map[string]map[string]any] { return o.MergeMetadata }, Payload.SetMergeMetadata),
	attr("esp_extra", policyCombine, func(o *Options) Option[map[string]any] { return o.ESPExtra }, Payload.SetESPExtra),
}

func applyAttributes(p Payload, defaults, msg *Options) error {
	for _, a := range attributes {
		if err := a.apply(p, defaults, msg); err != nil {
			return err
		}
	}
	return nil
}

// BuildPayload creates the ESP payload for msg and runs every setter in the
// fixed builder order.
func BuildPayload(esp ESP, msg *Message, settings Settings) (Payload, error) {
	p, err := esp.NewPayload(msg, BasePayload{
		ESP:               esp.Name(),
		IgnoreUnsupported: settings.IgnoreUnsupportedFeatures,
	})
	if err != nil {
		return nil, err
	}

	from, err := ParseAddress(msg.From)
	if err != nil {
		return nil, err
	}
	if err := p.SetFrom(from); err != nil {
		return nil, err
	}
	for _, group := range []struct {
		kind  RecipientKind
		addrs []string
	}{{KindTo, msg.To}, {KindCc, msg.Cc}, {KindBcc, msg.Bcc}} {
		parsed, err := ParseAddresses(group.addrs)
		if err != nil {
			return nil, err
		}
		for _, a := range parsed {
			if err := p.AddRecipient(group.kind, a); err != nil {
				return nil, err
			}
		}
	}
	if err := p.SetSubject(msg.Subject); err != nil {
		return nil, err
	}
	if len(msg.ReplyTo) > 0 {
		replyTo, err := ParseAddresses(msg.ReplyTo)
		if err != nil {
			return nil, err
		}
		if err := p.SetReplyTo(replyTo); err != nil {
			return nil, err
		}
	}
	if len(msg.Headers) > 0 {
		if err := p.SetExtraHeaders(msg.Headers); err != nil {
			return nil, err
		}
	}

	if msg.TextBody != "" {
		if err := p.SetTextBody(msg.TextBody); err != nil {
			return nil, err
		}
	}
	if msg.HTMLBody != "" {
		if err := p.SetHTMLBody(msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	for _, alt := range msg.Alternatives {
		var err error
		if alt.MimeType == "text/html" {
			err = p.SetHTMLBody(alt.Content)
		} else {
			err = p.AddAlternative(alt.Content, alt.MimeType)
		}
		if err != nil {
			return nil, err
		}
	}
	for _, att := range msg.Attachments {
		if err := p.AddAttachment(att); err != nil {
			return nil, err
		}
	}

	defaults := settings.DefaultsFor(esp.Name())
	if err := applyAttributes(p, &defaults, &msg.Options); err != nil {
		return nil, err
	}
	return p, nil
}
