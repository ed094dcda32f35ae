package anymail

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// MergedData returns a copy of global overridden by the recipient's keys.
func MergedData(global, recipient map[string]any) map[string]any {
	out := make(map[string]any, len(global)+len(recipient))
	maps.Copy(out, global)
	maps.Copy(out, recipient)
	return out
}

// lookup finds the entry for addr, falling back to a case-insensitive match
// on the addr-spec.
func lookup[V any](data map[string]V, addr EmailAddress) (V, bool) {
	if v, ok := data[addr.AddrSpec]; ok {
		return v, true
	}
	for k, v := range data {
		if strings.EqualFold(k, addr.AddrSpec) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func isRecipient(to []EmailAddress, key string) bool {
	return slices.ContainsFunc(to, func(a EmailAddress) bool { return strings.EqualFold(a.AddrSpec, key) })
}

// RecipientContext is the template context for one `to` recipient.
type RecipientContext struct {
	To   EmailAddress
	Data map[string]any
	// HasData is false when merge_data had no entry for this recipient.
	HasData bool
}

// FanOutMergeData is for ESPs that take a single substitution context per
// request. It returns one context per `to` recipient, in `to` order. A
// merge_data key that names no `to` recipient is an error (dropped when
// unsupported features are ignored).
func (b *BasePayload) FanOutMergeData(to []EmailAddress, mergeData map[string]map[string]any, global map[string]any) ([]RecipientContext, error) {
	keys := slices.Sorted(maps.Keys(mergeData))
	for _, k := range keys {
		if !isRecipient(to, k) {
			if err := b.Unsupported(fmt.Sprintf("merge_data for %q, which is not a 'to' recipient", k)); err != nil {
				return nil, err
			}
		}
	}
	return personalize(to, mergeData, global), nil
}

// Personalize is for ESPs with a native per-recipient personalization array.
// It returns one context per `to` recipient, in `to` order; merge_data keys
// that name no recipient are silently left out.
func Personalize(to []EmailAddress, mergeData map[string]map[string]any, global map[string]any) []RecipientContext {
	return personalize(to, mergeData, global)
}

func personalize(to []EmailAddress, mergeData map[string]map[string]any, global map[string]any) []RecipientContext {
	out := make([]RecipientContext, len(to))
	for i, addr := range to {
		data, ok := lookup(mergeData, addr)
		out[i] = RecipientContext{To: addr, Data: MergedData(global, data), HasData: ok}
	}
	return out
}

// RecipientMetadata returns metadata overridden by the recipient's merge_metadata.
func RecipientMetadata(metadata map[string]any, mergeMetadata map[string]map[string]any, addr EmailAddress) map[string]any {
	own, _ := lookup(mergeMetadata, addr)
	if len(metadata) == 0 && len(own) == 0 {
		return nil
	}
	return MergedData(metadata, own)
}
