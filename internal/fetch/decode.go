package fetch

// decode.go turns a fetched page into UTF-8 text.
//
// Portals publish in whatever encoding their CMS emits. The charset is taken
// from the Content-Type header, a BOM or a <meta> tag, in that order, and
// the body is transcoded to UTF-8. A leading UTF-8 BOM is then dropped so it
// never ends up glued to the first cell of a table.

import (
	"bytes"
	"errors"
	"io"

	"golang.org/x/net/html/charset"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText reads r as UTF-8 text. contentType may be empty.
func decodeText(r io.Reader, contentType string) ([]byte, error) {
	decoded, err := charset.NewReader(r, contentType)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return io.ReadAll(newBOMSkipper(decoded))
}

// bomSkipper drops a UTF-8 byte order mark at the start of a stream.
type bomSkipper struct {
	r       io.Reader
	checked bool
	head    []byte // Bytes read while checking that were not a BOM
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{r: r}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		var buf [3]byte
		n, err := io.ReadFull(b.r, buf[:])
		if !bytes.Equal(buf[:n], utf8BOM) {
			b.head = append(b.head, buf[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, err
		}
	}

	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	return b.r.Read(p)
}
