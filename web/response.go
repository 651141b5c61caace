package web

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// charsetPattern extracts the charset value out of a Content-Type header:
// the value runs up to the next ';' or whitespace character, or to the end
// of the header.
var charsetPattern = regexp.MustCompile(`charset=(.*?)(?:[;\s]|$)`)

// Response is a fully-read HTTP response: a status line and header block
// parsed up front, and a body set later once the fetcher has read and
// decoded it.
type Response struct {
	url    *URL
	header map[string]string
	body   []byte
	code   int
	info   string
	logf   func(string, ...interface{})
}

// NewResponse parses a raw header block (ASCII lines separated by CRLF,
// terminated by a blank line) for the given source URL. A header block
// that does not start with "HTTP" is logged and leaves Code() at zero;
// the Response is still returned so the caller can deliver it onward.
func NewResponse(u *URL, header []byte, logf func(string, ...interface{})) *Response {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	r := &Response{url: u, header: make(map[string]string), logf: logf}
	r.parseHeader(header)
	return r
}

func (r *Response) parseHeader(header []byte) {
	text := strings.ReplaceAll(string(header), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "HTTP") {
		r.logf("malformed response header from %s: %q", r.url, string(header))
		return
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		r.logf("malformed status line from %s: %q", r.url, lines[0])
		return
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		r.logf("malformed status code from %s: %q", r.url, fields[1])
		return
	}
	r.code = code
	if len(fields) > 2 {
		r.info = strings.Join(fields[2:], " ")
	}

	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		r.header[name] = value
	}
}

// Code returns the parsed status code, or zero if the header block was
// unparsable.
func (r *Response) Code() int { return r.code }

// Info returns the status line's reason phrase.
func (r *Response) Info() string { return r.info }

// URL returns the URL this response was fetched from.
func (r *Response) URL() *URL { return r.url }

// Body returns the raw, already-decoded response body.
func (r *Response) Body() []byte { return r.body }

// SetBody installs the decoded body. Called by the fetcher once content
// decoding (§4.2) has run.
func (r *Response) SetBody(body []byte) { r.body = body }

// Get returns a header field's value by its exact wire-received name, or
// the empty string if absent. Duplicate fields on the wire collapse to their last
// occurrence.
func (r *Response) Get(name string) string {
	return r.header[name]
}

// GetDefault returns a header field's value, or def if absent.
func (r *Response) GetDefault(name, def string) string {
	if v, ok := r.header[name]; ok {
		return v
	}
	return def
}

// Encoding returns the charset named in the Content-Type header, or the
// empty string if none was found.
func (r *Response) Encoding() string {
	ct := r.header["Content-Type"]
	if ct == "" {
		return ""
	}
	m := charsetPattern.FindStringSubmatch(ct)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Text decodes the body as the charset advertised by Content-Type (falling
// back to a BOM/meta-tag sniff when none is advertised or it is
// unrecognized) and returns it as a UTF-8 string. Without any of those, a
// body that is valid UTF-8 is returned as UTF-8, and any other body is
// decoded as windows-1252, not as UTF-8 with replacement characters.
// Invalid UTF-8 left in the result is replaced rather than raising an error.
func (r *Response) Text() string {
	reader, err := charset.NewReader(bytes.NewReader(r.body), r.header["Content-Type"])
	if err != nil {
		return strings.ToValidUTF8(string(r.body), "�")
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return strings.ToValidUTF8(string(r.body), "�")
	}
	return strings.ToValidUTF8(string(decoded), "�")
}
