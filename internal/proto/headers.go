package proto

import "strings"

type Header struct {
	Key   string
	Value string
}

// Headers keeps caller order for serialization. Keys are unique; Set replaces
// an existing value in place.
type Headers []Header

func (h Headers) Get(key string) (string, bool) {
	for _, kv := range h {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

func (h Headers) Len() int { return len(h) }

func (h Headers) Map() map[string]string {
	out := make(map[string]string, len(h))
	for _, kv := range h {
		out[kv.Key] = kv.Value
	}
	return out
}

// ParseHeaders decodes a headers block. Lines without ':' are skipped, the
// first ':' splits key from value, and the last duplicate wins.
func ParseHeaders(raw string) Headers {
	var out Headers
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return out
}

func writeHeaders(b *strings.Builder, h Headers) {
	if len(h) == 0 {
		b.WriteString(SectionDelimiter)
		return
	}
	for _, kv := range h {
		b.WriteString(kv.Key)
		b.WriteString(": ")
		b.WriteString(kv.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}
