// Package proto implements the HoloNet envelope wire format.
//
// An envelope is four sections joined by a blank line:
//
//	<header-line>\n\n<public-key-base64>\n\n<headers-block><body>
//
// The header line is a request line ("HLN/0.1 READ /") or a status line
// ("HLN/0.1 200 OK"). The codec never looks inside the key block or the body.
package proto

const (
	ProtocolTag = "HLN/0.1"

	// SectionDelimiter separates the four envelope sections.
	SectionDelimiter = "\n\n"
	sectionCount     = 4
)

type Method string

const (
	MethodRead  Method = "READ"
	MethodWrite Method = "WRITE"
)

func (m Method) Valid() bool {
	return m == MethodRead || m == MethodWrite
}

// Status codes and keywords surfaced by the core.
const (
	StatusOK            = 200
	StatusBadRequest    = 400
	StatusNotFound      = 404
	StatusInternalError = 500

	KeywordOK            = "OK"
	KeywordBadRequest    = "BAD_REQUEST"
	KeywordNotFound      = "NOT_FOUND"
	KeywordInternalError = "INTERNAL_ERROR"
)

// KeywordFor returns the keyword for the statuses the core emits, and
// "UNKNOWN" otherwise.
func KeywordFor(status int) string {
	switch status {
	case StatusOK:
		return KeywordOK
	case StatusBadRequest:
		return KeywordBadRequest
	case StatusNotFound:
		return KeywordNotFound
	case StatusInternalError:
		return KeywordInternalError
	}
	return "UNKNOWN"
}

// ResourceServerKey is the unauthenticated bootstrap resource.
const ResourceServerKey = "/server-key"

type RequestLine struct {
	Protocol string
	Method   Method
	Resource string
}

type StatusLine struct {
	Protocol string
	Status   int
	Keyword  string
}

// Request is a decoded client envelope.
type Request struct {
	RequestLine
	PublicKey string
	Headers   Headers
	Body      []byte
}

// Response is a decoded server envelope.
type Response struct {
	StatusLine
	PublicKey string
	Headers   Headers
	Body      []byte
}

// IsBootstrap reports whether r is the plaintext key-fetch request.
func (r *Request) IsBootstrap() bool {
	return r != nil && r.Method == MethodRead && r.Resource == ResourceServerKey
}
