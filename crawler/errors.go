package crawler

import "errors"

// Sentinel errors identifying the stage of the fetch pipeline that failed,
// so a DocumentHandler or log line can report the kind of failure without
// string matching.
var (
	ErrConnect    = errors.New("crawler: connection failed")
	ErrWrite      = errors.New("crawler: request write failed")
	ErrReadHeader = errors.New("crawler: response header read failed")
	ErrFrame      = errors.New("crawler: response body framing invalid")
	ErrDecode     = errors.New("crawler: response body decode failed")
	ErrHandler    = errors.New("crawler: document handler panicked")
	ErrParse      = errors.New("crawler: response header parse failed")
)

// fetchError wraps a sentinel with the offending URL and underlying cause,
// keeping errors.Is usable against the sentinels above while preserving
// context for logging.
type fetchError struct {
	kind error
	url  string
	err  error
}

func (e *fetchError) Error() string {
	if e.err == nil {
		return e.kind.Error() + ": " + e.url
	}
	return e.kind.Error() + ": " + e.url + ": " + e.err.Error()
}

func (e *fetchError) Unwrap() error {
	return e.kind
}

func wrapErr(kind error, url string, err error) *fetchError {
	return &fetchError{kind: kind, url: url, err: err}
}
