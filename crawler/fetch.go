package crawler

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/codepr/spider/web"
)

// fetcher speaks raw HTTP/1.1 over a net.Conn (or tls.Conn for https): it
// assembles the request line and headers by hand, reads the status line and
// header block up to the blank line, frames the body per Transfer-Encoding
// or Content-Length, and decodes Content-Encoding before handing back a
// web.Response. No net/http is involved.
type fetcher struct {
	userAgent func() string
	timeout   time.Duration
	logf      func(string, ...interface{})
}

func newFetcher(userAgent func() string, timeout time.Duration, logf func(string, ...interface{})) *fetcher {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &fetcher{userAgent: userAgent, timeout: timeout, logf: logf}
}

// fetch performs a single GET request against u and returns the decoded
// response. Every stage failure is reported as a *fetchError wrapping the
// relevant sentinel, per §7.
func (f *fetcher) fetch(u *web.URL) (*web.Response, error) {
	conn, err := f.dial(u)
	if err != nil {
		return nil, wrapErr(ErrConnect, u.String(), err)
	}
	defer conn.Close()

	if f.timeout > 0 {
		conn.SetDeadline(time.Now().Add(f.timeout))
	}

	if err := f.sendRequest(conn, u); err != nil {
		return nil, wrapErr(ErrWrite, u.String(), err)
	}

	r := bufio.NewReader(conn)
	header, err := readHeaderBlock(r)
	if err != nil {
		return nil, wrapErr(ErrReadHeader, u.String(), err)
	}

	resp := web.NewResponse(u, header, f.logf)

	var body []byte
	if resp.Get("Transfer-Encoding") == "chunked" {
		body, err = readChunkedBody(r)
	} else {
		length := 0
		if cl := resp.Get("Content-Length"); cl != "" {
			length, _ = strconv.Atoi(cl)
		}
		body, err = readFixedBody(r, length)
	}
	if err != nil {
		return nil, wrapErr(ErrFrame, u.String(), err)
	}

	// A decode failure still delivers the response to the handler with its
	// status code intact, just with an empty body — only connect/write/
	// header/framing failures abort the fetch outright.
	decoded, err := decodeBody(body, resp.Get("Content-Encoding"))
	if err != nil {
		f.logf("%s", wrapErr(ErrDecode, u.String(), err))
		decoded = nil
	}
	resp.SetBody(decoded)

	return resp, nil
}

// dial opens a plain TCP connection, or a TLS connection with hostname
// verification disabled for https URLs: the crawler is a best-effort
// scraper, not a security-sensitive client, and self-signed or mismatched
// certificates on the open web should not abort a crawl.
func (f *fetcher) dial(u *web.URL) (net.Conn, error) {
	if u.Scheme() == "https" {
		return tls.Dial("tcp", u.HostPort(), &tls.Config{InsecureSkipVerify: true})
	}
	return net.Dial("tcp", u.HostPort())
}

// sendRequest writes the request line and a fixed header block for a GET.
func (f *fetcher) sendRequest(conn net.Conn, u *web.URL) error {
	ua := "spider/1.0"
	if f.userAgent != nil {
		ua = f.userAgent()
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", u.RequestTarget())
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host())
	// The wire value is keep-alive, matching the original header block;
	// the connection is still closed unconditionally after the body is
	// read (see fetch's deferred conn.Close), so this doesn't change
	// actual connection reuse behavior, only what's sent on the wire.
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("Pragma: no-cache\r\n")
	b.WriteString("Cache-Control: no-cache\r\n")
	b.WriteString("Upgrade-Insecure-Requests: 1\r\n")
	fmt.Fprintf(&b, "User-Agent: %s\r\n", ua)
	b.WriteString("Accept: text/html,application/xhtml+xml,application/xml;q=0.9," +
		"image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.9\r\n")
	b.WriteString("Accept-Language: zh-CN,zh;q=0.9\r\n")
	b.WriteString("Accept-Encoding: gzip, deflate\r\n")
	b.WriteString("\r\n")
	_, err := conn.Write(b.Bytes())
	return err
}

// readHeaderBlock reads up to and including the blank line terminating the
// status line and headers, returning the block with the terminating blank
// line still included.
func readHeaderBlock(r *bufio.Reader) ([]byte, error) {
	var block bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			block.Write(line)
		}
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(block.Bytes(), []byte("\r\n\r\n")) {
			return block.Bytes(), nil
		}
	}
}

// readChunkedBody reads a Transfer-Encoding: chunked body per RFC 7230 §4.1,
// stripping chunk-size lines and the trailing CRLF of each chunk.
func readChunkedBody(r *bufio.Reader) ([]byte, error) {
	var body bytes.Buffer
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeLine = trimCRLF(sizeLine)
		if idx := bytes.IndexByte([]byte(sizeLine), ';'); idx >= 0 {
			sizeLine = sizeLine[:idx]
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			// consume the trailing CRLF (and any trailer headers) after the
			// zero-length terminator chunk
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return nil, err
				}
				if trimCRLF(line) == "" {
					break
				}
			}
			return body.Bytes(), nil
		}
		chunk := make([]byte, size+2)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		body.Write(chunk[:size])
	}
}

// readFixedBody reads exactly length bytes. An absent or non-numeric
// Content-Length (length <= 0) reads zero bytes, matching the original
// implementation's int(response.get('Content-Length', '0')) defaulting to
// a readexactly(0) rather than draining the connection to EOF.
func readFixedBody(r *bufio.Reader, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// decodeBody applies the Content-Encoding advertised by the response, if
// any. gzip uses its standard header; deflate is decoded as raw DEFLATE
// (no zlib wrapper), matching how most servers actually emit it despite the
// RFC 7230 naming.
func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return body, nil
	}
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
