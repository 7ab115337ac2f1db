// Package cps manages the custom packet signature patterns AmneziaWG sends
// in its I1..I5 junk packets: the tag grammar, an on-disk pattern library,
// persisted counters and the per-slot adaptation that swaps out patterns
// which stop getting through.
package cps

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

// Tag kinds.
const (
	TagBytes     = "b"
	TagCounter   = "c"
	TagTimestamp = "t"
	TagRandom    = "r"
	TagLetters   = "rc"
	TagDigits    = "rd"
)

const (
	maxRandomLen  = 1000
	maxPatternLen = 8192
)

// Tag is one parsed element of a pattern.
type Tag struct {
	Kind  string
	Bytes []byte
	N     int
}

func (t Tag) String() string {
	switch t.Kind {
	case TagBytes:
		return "<b 0x" + hex.EncodeToString(t.Bytes) + ">"
	case TagCounter, TagTimestamp:
		return "<" + t.Kind + ">"
	}
	return "<" + t.Kind + " " + strconv.Itoa(t.N) + ">"
}

// Len is the number of bytes the tag expands to.
func (t Tag) Len() int {
	switch t.Kind {
	case TagBytes:
		return len(t.Bytes)
	case TagCounter, TagTimestamp:
		return 4
	}
	return t.N
}

// Parse splits s into tags. Whitespace between tags is ignored and a bare
// 0xHEX run is read as a <b> tag.
func Parse(s string) ([]Tag, error) {
	if len(s) > maxPatternLen {
		return nil, model.Invalid("parse cps", "pattern longer than %d characters", maxPatternLen)
	}
	var tags []Tag
	rest := strings.TrimSpace(s)
	for rest != "" {
		var (
			t   Tag
			err error
		)
		switch {
		case rest[0] == '<':
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return nil, model.Invalid("parse cps", "unterminated tag %q", rest)
			}
			t, err = parseTag(rest[1:end])
			rest = rest[end+1:]
		case strings.HasPrefix(rest, "0x") || strings.HasPrefix(rest, "0X"):
			end := strings.IndexAny(rest, "< \t\r\n")
			if end < 0 {
				end = len(rest)
			}
			t, err = parseHex(rest[2:end])
			rest = rest[end:]
		default:
			return nil, model.Invalid("parse cps", "unexpected input %q", truncate(rest))
		}
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
		rest = strings.TrimLeft(rest, " \t\r\n")
	}
	if len(tags) == 0 {
		return nil, model.Invalid("parse cps", "empty pattern")
	}
	return tags, nil
}

func parseTag(body string) (Tag, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Tag{}, model.Invalid("parse cps", "empty tag")
	}
	kind := fields[0]
	switch kind {
	case TagCounter, TagTimestamp:
		if len(fields) != 1 {
			return Tag{}, model.Invalid("parse cps", "<%s> takes no argument", kind)
		}
		return Tag{Kind: kind}, nil
	case TagBytes:
		if len(fields) != 2 || !(strings.HasPrefix(fields[1], "0x") || strings.HasPrefix(fields[1], "0X")) {
			return Tag{}, model.Invalid("parse cps", "<b> needs one 0xHEX argument")
		}
		return parseHex(fields[1][2:])
	case TagRandom, TagLetters, TagDigits:
		if len(fields) != 2 {
			return Tag{}, model.Invalid("parse cps", "<%s> needs a length", kind)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > maxRandomLen {
			return Tag{}, model.Invalid("parse cps", "<%s %s>: length must be 1 to %d", kind, fields[1], maxRandomLen)
		}
		return Tag{Kind: kind, N: n}, nil
	}
	return Tag{}, model.Invalid("parse cps", "unknown tag <%s>", truncate(body))
}

func parseHex(digits string) (Tag, error) {
	if digits == "" || len(digits)%2 != 0 {
		return Tag{}, model.Invalid("parse cps", "hex literal 0x%s needs an even, non-zero number of digits", truncate(digits))
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return Tag{}, model.Invalid("parse cps", "hex literal 0x%s: %v", truncate(digits), err)
	}
	return Tag{Kind: TagBytes, Bytes: b}, nil
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// Validate reports whether s is a well-formed pattern.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}

// Normalize returns the canonical spelling of s: tags without spacing, hex in
// lower case, bare hex wrapped in <b>. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) (string, error) {
	tags, err := Parse(s)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range tags {
		b.WriteString(t.String())
	}
	return b.String(), nil
}

const (
	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// Generate expands pattern into packet bytes. <c> writes counter and <t> the
// UNIX time, both 4 bytes big-endian. Random tags read from rng.
func Generate(pattern string, counter uint32, now time.Time, rng io.Reader) ([]byte, error) {
	tags, err := Parse(pattern)
	if err != nil {
		return nil, err
	}
	size := 0
	for _, t := range tags {
		size += t.Len()
	}
	out := make([]byte, 0, size)
	for _, t := range tags {
		switch t.Kind {
		case TagBytes:
			out = append(out, t.Bytes...)
		case TagCounter:
			out = binary.BigEndian.AppendUint32(out, counter)
		case TagTimestamp:
			out = binary.BigEndian.AppendUint32(out, uint32(now.Unix()))
		case TagRandom, TagLetters, TagDigits:
			buf := make([]byte, t.N)
			if _, err := io.ReadFull(rng, buf); err != nil {
				return nil, fmt.Errorf("read random bytes: %w", err)
			}
			switch t.Kind {
			case TagLetters:
				for i := range buf {
					buf[i] = letters[int(buf[i])%len(letters)]
				}
			case TagDigits:
				for i := range buf {
					buf[i] = digits[int(buf[i])%len(digits)]
				}
			}
			out = append(out, buf...)
		}
	}
	return out, nil
}
