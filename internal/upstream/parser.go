package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/buger/jsonparser"
)

const dataPrefix = "data:"

// DefaultKeyPath locates the newest fragment in a DashScope message-format record.
var DefaultKeyPath = []string{"output", "choices", "[0]", "message", "content"}

var (
	ErrMalformedJSON = errors.New("malformed json payload")
	ErrNoContent     = errors.New("record carries no content")
)

// MalformedRecordError describes a data record the parser skipped.
type MalformedRecordError struct {
	Payload string
	Reason  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("skipped record: %v", e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Reason
}

// Parser turns a newline-delimited upstream body into content fragments.
// Records may straddle reads of the underlying reader; they are reassembled
// before decoding.
type Parser struct {
	r          *bufio.Reader
	path       []string
	cumulative bool
	prev       string
	onSkip     func(error)
}

type ParserOption func(*Parser)

// WithKeyPath overrides the JSON key path of the fragment inside a record.
// Array indexes are written as "[n]".
func WithKeyPath(path ...string) ParserOption {
	return func(p *Parser) {
		if len(path) > 0 {
			p.path = path
		}
	}
}

// ParseKeyPath splits a dotted path such as "output.choices[0].message.content"
// into the segments WithKeyPath expects.
func ParseKeyPath(dotted string) []string {
	var path []string
	for _, seg := range strings.Split(dotted, ".") {
		seg = strings.TrimSpace(seg)
		for seg != "" {
			i := strings.IndexByte(seg, '[')
			if i < 0 {
				path = append(path, seg)
				break
			}
			if i > 0 {
				path = append(path, seg[:i])
			}
			j := strings.IndexByte(seg[i:], ']')
			if j < 0 {
				path = append(path, seg[i:])
				break
			}
			path = append(path, seg[i:i+j+1])
			seg = seg[i+j+1:]
		}
	}
	return path
}

// WithCumulative declares that each record carries the running total of the
// reply rather than the increment. Next still yields increments.
func WithCumulative() ParserOption {
	return func(p *Parser) {
		p.cumulative = true
	}
}

// WithSkipHandler receives a *MalformedRecordError for every skipped record.
func WithSkipHandler(fn func(error)) ParserOption {
	return func(p *Parser) {
		p.onSkip = fn
	}
}

func NewParser(r io.Reader, opts ...ParserOption) *Parser {
	p := &Parser{
		r:    bufio.NewReader(r),
		path: DefaultKeyPath,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the next non-empty fragment. It returns io.EOF once the body
// is exhausted, or the read error of the underlying reader.
func (p *Parser) Next() (string, error) {
	for {
		line, err := p.r.ReadString('\n')
		if line != "" {
			if frag, ok := p.decode(line); ok {
				return frag, nil
			}
		}
		if err != nil {
			return "", err
		}
	}
}

func (p *Parser) decode(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := []byte(strings.TrimSpace(line[len(dataPrefix):]))
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return "", false
	}
	if !json.Valid(payload) {
		p.skip(payload, ErrMalformedJSON)
		return "", false
	}

	text, err := jsonparser.GetString(payload, p.path...)
	if err != nil {
		p.skip(payload, fmt.Errorf("%w: %v", ErrNoContent, err))
		return "", false
	}

	if p.cumulative {
		total := text
		if strings.HasPrefix(total, p.prev) {
			text = total[len(p.prev):]
		}
		p.prev = total
	}
	if text == "" {
		return "", false
	}
	return text, true
}

func (p *Parser) skip(payload []byte, reason error) {
	if p.onSkip != nil {
		p.onSkip(&MalformedRecordError{Payload: string(payload), Reason: reason})
	}
}
