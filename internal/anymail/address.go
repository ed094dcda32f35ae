package anymail

import (
	"net/mail"
	"strings"
)

// EmailAddress is a parsed mailbox: an optional display name and an addr-spec.
type EmailAddress struct {
	Name     string `json:"name,omitempty"`
	AddrSpec string `json:"address"`
}

// ParseAddress parses a single RFC 5322 mailbox such as `Name <user@example.com>`.
func ParseAddress(s string) (EmailAddress, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return EmailAddress{}, &InvalidAddressError{Address: s, Err: err}
	}
	return EmailAddress{Name: a.Name, AddrSpec: a.Address}, nil
}

// ParseAddresses parses each entry with ParseAddress, keeping order.
func ParseAddresses(list []string) ([]EmailAddress, error) {
	out := make([]EmailAddress, 0, len(list))
	for _, s := range list {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseAddressList parses a comma-separated header value. Empty input yields nil.
func ParseAddressList(header string) ([]EmailAddress, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(header)
	if err != nil {
		return nil, &InvalidAddressError{Address: header, Err: err}
	}
	out := make([]EmailAddress, len(list))
	for i, a := range list {
		out[i] = EmailAddress{Name: a.Name, AddrSpec: a.Address}
	}
	return out, nil
}

// Address formats the mailbox for a header, encoding the display name when needed.
func (a EmailAddress) Address() string {
	if a.Name == "" {
		return a.AddrSpec
	}
	return (&mail.Address{Name: a.Name, Address: a.AddrSpec}).String()
}

func (a EmailAddress) Domain() string {
	if i := strings.LastIndex(a.AddrSpec, "@"); i >= 0 {
		return a.AddrSpec[i+1:]
	}
	return ""
}

func (a EmailAddress) String() string { return a.Address() }

// JoinAddresses formats the list as a single comma-separated header value.
func JoinAddresses(list []EmailAddress) string {
	parts := make([]string, len(list))
	for i, a := range list {
		parts[i] = a.Address()
	}
	return strings.Join(parts, ", ")
}
