package proto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMissingField = errors.New("proto: missing envelope field")

// NewRequest builds a request for the default protocol tag.
func NewRequest(method Method, resource, publicKey string, headers Headers, body []byte) *Request {
	return &Request{
		RequestLine: RequestLine{Protocol: ProtocolTag, Method: method, Resource: resource},
		PublicKey:   publicKey,
		Headers:     headers,
		Body:        body,
	}
}

// NewResponse builds a response for the default protocol tag.
func NewResponse(status int, keyword, publicKey string, headers Headers, body []byte) *Response {
	return &Response{
		StatusLine: StatusLine{Protocol: ProtocolTag, Status: status, Keyword: keyword},
		PublicKey:  publicKey,
		Headers:    headers,
		Body:       body,
	}
}

func EncodeRequest(r *Request) ([]byte, error) {
	if r == nil {
		return nil, ErrMissingField
	}
	if err := checkToken("method", string(r.Method)); err != nil {
		return nil, err
	}
	if err := checkToken("resource", r.Resource); err != nil {
		return nil, err
	}
	if err := checkKeyBlock(r.PublicKey); err != nil {
		return nil, err
	}
	line := fmt.Sprintf("%s %s %s", protocolOrDefault(r.Protocol), r.Method, r.Resource)
	return encode(line, r.PublicKey, r.Headers, r.Body), nil
}

func EncodeResponse(r *Response) ([]byte, error) {
	if r == nil {
		return nil, ErrMissingField
	}
	if err := checkToken("keyword", r.Keyword); err != nil {
		return nil, err
	}
	if err := checkKeyBlock(r.PublicKey); err != nil {
		return nil, err
	}
	line := fmt.Sprintf("%s %d %s", protocolOrDefault(r.Protocol), r.Status, r.Keyword)
	return encode(line, r.PublicKey, r.Headers, r.Body), nil
}

func encode(line, publicKey string, headers Headers, body []byte) []byte {
	var b strings.Builder
	b.Grow(len(line) + len(publicKey) + len(body) + 64)
	b.WriteString(line)
	b.WriteString(SectionDelimiter)
	b.WriteString(publicKey)
	b.WriteString(SectionDelimiter)
	writeHeaders(&b, headers)
	b.Write(body)
	return []byte(b.String())
}

func protocolOrDefault(p string) string {
	if p == "" {
		return ProtocolTag
	}
	return p
}

func checkToken(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	if strings.ContainsAny(v, " \n") {
		return fmt.Errorf("proto: %s must not contain spaces or newlines", name)
	}
	return nil
}

func checkKeyBlock(v string) error {
	if v == "" {
		return fmt.Errorf("%w: public key", ErrMissingField)
	}
	if strings.Contains(v, SectionDelimiter) {
		return errors.New("proto: public key block must be a single section")
	}
	return nil
}

// SplitSections splits raw into the four envelope sections.
func SplitSections(raw string) ([sectionCount]string, error) {
	var out [sectionCount]string
	parts := strings.Split(raw, SectionDelimiter)
	if len(parts) != sectionCount {
		return out, MalformedEnvelope(len(parts))
	}
	copy(out[:], parts)
	return out, nil
}

// ParseRequest decodes a request envelope. The request line is validated
// before anything else is looked at.
func ParseRequest(raw []byte) (*Request, error) {
	sections, err := SplitSections(string(raw))
	if err != nil {
		return nil, err
	}
	line, err := ParseRequestLine(sections[0])
	if err != nil {
		return nil, err
	}
	return &Request{
		RequestLine: line,
		PublicKey:   sections[1],
		Headers:     ParseHeaders(sections[2]),
		Body:        []byte(sections[3]),
	}, nil
}

func ParseResponse(raw []byte) (*Response, error) {
	sections, err := SplitSections(string(raw))
	if err != nil {
		return nil, err
	}
	line, err := ParseStatusLine(sections[0])
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusLine: line,
		PublicKey:  sections[1],
		Headers:    ParseHeaders(sections[2]),
		Body:       []byte(sections[3]),
	}, nil
}

func ParseRequestLine(line string) (RequestLine, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return RequestLine{}, MalformedHeaderLine()
	}
	if parts[0] != ProtocolTag {
		return RequestLine{}, UnsupportedProtocol()
	}
	method := Method(parts[1])
	if !method.Valid() {
		return RequestLine{}, UnsupportedMethod()
	}
	return RequestLine{Protocol: parts[0], Method: method, Resource: parts[2]}, nil
}

func ParseStatusLine(line string) (StatusLine, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return StatusLine{}, MalformedHeaderLine()
	}
	if parts[0] != ProtocolTag {
		return StatusLine{}, UnsupportedProtocol()
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return StatusLine{}, InvalidStatus()
	}
	return StatusLine{Protocol: parts[0], Status: status, Keyword: parts[2]}, nil
}
