// Package codec implements spec.md §4.2: the entry byte layout and the
// block framing used to store entries across one or more pages.
package codec

import (
	"bytes"
	"fmt"
	"strconv"
)

// Entry is one logical record: an ordered list of header fragments (whose
// meaning depends on the owning index's kind, see spec.md §3 "Entry") plus
// a content payload.
type Entry struct {
	Headers [][]byte
	Content []byte
}

// Encode renders the entry as:
//
//	for each header h: "{len(h)} " h "\n"
//	"\n"
//	content
func (e Entry) Encode() []byte {
	var buf bytes.Buffer
	for _, h := range e.Headers {
		buf.WriteString(strconv.Itoa(len(h)))
		buf.WriteByte(' ')
		buf.Write(h)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(e.Content)
	return buf.Bytes()
}

// DecodeEntry parses the byte layout Encode produces. The end of the
// header list is self-delimiting: it is marked by a header "length" of
// exactly zero bytes followed immediately by the newline that would
// otherwise start the next header's length prefix.
func DecodeEntry(raw []byte) (Entry, error) {
	var headers [][]byte
	i := 0
	for {
		if i >= len(raw) {
			return Entry{}, fmt.Errorf("%w: truncated header section", ErrInvalidEntryFormat)
		}
		if raw[i] == '\n' {
			i++
			break
		}
		lenStart := i
		for i < len(raw) && raw[i] != ' ' {
			if raw[i] < '0' || raw[i] > '9' {
				return Entry{}, fmt.Errorf("%w: non-decimal header length", ErrInvalidEntryFormat)
			}
			i++
		}
		if i == lenStart || i >= len(raw) {
			return Entry{}, fmt.Errorf("%w: missing header length separator", ErrInvalidEntryFormat)
		}
		n, err := strconv.Atoi(string(raw[lenStart:i]))
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntryFormat, err)
		}
		i++ // skip the space
		if i+n > len(raw) {
			return Entry{}, fmt.Errorf("%w: header length exceeds remaining bytes", ErrInvalidEntryFormat)
		}
		header := raw[i : i+n]
		i += n
		if i >= len(raw) || raw[i] != '\n' {
			return Entry{}, fmt.Errorf("%w: header not newline-terminated", ErrInvalidEntryFormat)
		}
		i++
		headers = append(headers, header)
	}
	return Entry{Headers: headers, Content: raw[i:]}, nil
}
