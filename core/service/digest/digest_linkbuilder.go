package digest

import (
	"net/url"
	"strings"
)

// LinkBuilder is the single place digest deep links are assembled. Every
// parameter is URL-encoded here; attribute-context escaping happens in the
// template layer on top. Link building does no I/O.
type LinkBuilder struct {
	base *url.URL
}

// NewLinkBuilder parses the provider base once. An unparseable base is a
// startup misconfig, surfaced as an error rather than a panic.
func NewLinkBuilder(base string) (*LinkBuilder, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &LinkBuilder{base: u}, nil
}

// MessageLink returns the deep link for one message.
func (b *LinkBuilder) MessageLink(messageID string) string {
	u := *b.base
	u.Fragment = "all/" + url.PathEscape(messageID)
	return u.String()
}

// SearchLink returns a provider search link for a sender.
func (b *LinkBuilder) SearchLink(from string) string {
	u := *b.base
	q := url.Values{}
	q.Set("q", "from:"+from)
	u.RawQuery = q.Encode()
	return u.String()
}

// Host returns the provider host for whitelist validation.
func (b *LinkBuilder) Host() string {
	return b.base.Host
}
