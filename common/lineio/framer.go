package lineio

// Framer extracts lines from a read buffer owned by the caller. It is not
// safe for concurrent use; the owner serializes access along with the buffer.
type Framer struct {
	scanner   Scanner
	separator string
	encoding  string
	encoded   []byte
}

func (f *Framer) encodedSeparator(separator string, encoding Encoding) []byte {
	if separator == "" {
		panic("lineio: empty separator")
	}
	if f.encoded != nil && f.separator == separator && f.encoding == encoding.Name() {
		return f.encoded
	}
	encoded, err := encoding.Encode(separator)
	if err != nil || len(encoded) == 0 {
		panic("lineio: separator " + separator + " not representable in " + encoding.Name())
	}
	f.separator = separator
	f.encoding = encoding.Name()
	f.encoded = encoded
	return encoded
}

// CanReadLine reports whether buffered holds a complete line. It does not
// modify buffered.
func (f *Framer) CanReadLine(buffered []byte, separator string, encoding Encoding) bool {
	return f.scanner.Index(buffered, f.encodedSeparator(separator, encoding), encoding.codeUnit()) >= 0
}

// ReadLine decodes the first line of buffered and reports how many bytes,
// separator included, the caller must consume. On error nothing is consumed;
// a line that does not decode stays at the head until it is read with another
// encoding or dropped with LineLength.
func (f *Framer) ReadLine(buffered []byte, separator string, encoding Encoding) (line string, consumed int, err error) {
	encoded := f.encodedSeparator(separator, encoding)
	index := f.scanner.Index(buffered, encoded, encoding.codeUnit())
	if index < 0 {
		return "", 0, ErrNoLine
	}
	line, err = encoding.Decode(buffered[:index])
	if err != nil {
		return "", 0, err
	}
	return line, index + len(encoded), nil
}

// LineLength returns the length in bytes of the first line of buffered,
// separator included, without decoding it, or -1 when no line is complete.
func (f *Framer) LineLength(buffered []byte, separator string, encoding Encoding) int {
	encoded := f.encodedSeparator(separator, encoding)
	index := f.scanner.Index(buffered, encoded, encoding.codeUnit())
	if index < 0 {
		return -1
	}
	return index + len(encoded)
}

// Consumed must be called whenever bytes leave the head of the buffer.
func (f *Framer) Consumed(n int) {
	f.scanner.Consume(n)
}

func (f *Framer) Reset() {
	f.scanner.Reset()
}

// EncodeLine returns text followed by separator, both encoded.
func EncodeLine(text string, separator string, encoding Encoding) ([]byte, error) {
	if separator == "" {
		panic("lineio: empty separator")
	}
	data, err := encoding.Encode(text + separator)
	if err != nil {
		return nil, err
	}
	return data, nil
}
