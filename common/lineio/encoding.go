package lineio

import (
	"bytes"
	"unicode/utf8"

	E "github.com/sagernet/sing-socket/common/exceptions"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

var (
	ErrNoLine = E.New("no complete line available")
	ErrDecode = E.New("malformed text for encoding")
	ErrEncode = E.New("text not representable in encoding")
)

// Encoding converts between text and bytes. The zero value is UTF-8.
type Encoding struct {
	name     string
	encoding encoding.Encoding
	unit     int
}

var (
	UTF8        = Encoding{name: "utf-8"}
	UTF16LE     = Encoding{name: "utf-16le", encoding: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), unit: 2}
	UTF16BE     = Encoding{name: "utf-16be", encoding: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), unit: 2}
	Latin1      = Encoding{name: "iso-8859-1", encoding: charmap.ISO8859_1}
	Windows1252 = Encoding{name: "windows-1252", encoding: charmap.Windows1252}
)

// LookupEncoding resolves an encoding by its WHATWG name or label.
func LookupEncoding(name string) (Encoding, error) {
	if known, loaded := knownEncoding(name); loaded {
		return known, nil
	}
	resolved, err := htmlindex.Get(name)
	if err != nil {
		return Encoding{}, E.Cause(err, "lookup encoding ", name)
	}
	canonical, err := htmlindex.Name(resolved)
	if err != nil {
		canonical = name
	}
	if known, loaded := knownEncoding(canonical); loaded {
		return known, nil
	}
	return Encoding{name: canonical, encoding: resolved}, nil
}

func knownEncoding(name string) (Encoding, bool) {
	for _, known := range []Encoding{UTF8, UTF16LE, UTF16BE, Latin1, Windows1252} {
		if known.name == name {
			return known, true
		}
	}
	return Encoding{}, false
}

func (e Encoding) Name() string {
	if e.name == "" {
		return UTF8.name
	}
	return e.name
}

func (e Encoding) codeUnit() int {
	if e.unit == 0 {
		return 1
	}
	return e.unit
}

// Encode converts text to bytes, failing with ErrEncode if a rune has no
// representation.
func (e Encoding) Encode(text string) ([]byte, error) {
	if e.encoding == nil {
		if !utf8.ValidString(text) {
			return nil, ErrEncode
		}
		return []byte(text), nil
	}
	data, err := e.encoding.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, E.Extend(ErrEncode, err)
	}
	return data, nil
}

// Decode converts bytes to text, failing with ErrDecode on malformed input.
// Decoders that substitute invalid input are checked by re-encoding.
func (e Encoding) Decode(data []byte) (string, error) {
	if e.encoding == nil {
		if !utf8.Valid(data) {
			return "", ErrDecode
		}
		return string(data), nil
	}
	decoded, err := e.encoding.NewDecoder().Bytes(data)
	if err != nil {
		return "", E.Extend(ErrDecode, err)
	}
	reencoded, err := e.encoding.NewEncoder().Bytes(decoded)
	if err != nil || !bytes.Equal(reencoded, data) {
		return "", ErrDecode
	}
	return string(decoded), nil
}
