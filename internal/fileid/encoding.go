package fileid

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	xencoding "golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

const (
	EncodingUTF8    = "utf-8"
	EncodingUnknown = "unknown"
	EncodingBinary  = "binary"

	// chardetConfidenceMin is the probe confidence below which a detection
	// result is ignored.
	chardetConfidenceMin = 80
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF32LE = []byte{0xFF, 0xFE, 0x00, 0x00}
	bomUTF32BE = []byte{0x00, 0x00, 0xFE, 0xFF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectText decodes content into text where possible. The returned encoding
// is EncodingBinary or EncodingUnknown when no text form exists; callers must
// then treat the file as opaque bytes.
//
// Order: UTF-8/16/32 BOMs, plain UTF-8, chardet probe above the confidence
// floor, then a binary sniff.
func DetectText(content []byte) (text string, encoding string) {
	if len(content) == 0 {
		return "", EncodingUTF8
	}

	// UTF-32 BOMs strictly before UTF-16: the LE forms share a prefix.
	switch {
	case bytes.HasPrefix(content, bomUTF8):
		return string(content[len(bomUTF8):]), EncodingUTF8
	case bytes.HasPrefix(content, bomUTF32LE):
		return decodeWith(utf32.UTF32(utf32.LittleEndian, utf32.UseBOM), content, "utf-32le")
	case bytes.HasPrefix(content, bomUTF32BE):
		return decodeWith(utf32.UTF32(utf32.BigEndian, utf32.UseBOM), content, "utf-32be")
	case bytes.HasPrefix(content, bomUTF16LE):
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), content, "utf-16le")
	case bytes.HasPrefix(content, bomUTF16BE):
		return decodeWith(unicode.UTF16(unicode.BigEndian, unicode.UseBOM), content, "utf-16be")
	}

	if utf8.Valid(content) {
		return string(content), EncodingUTF8
	}

	if text, name, ok := chardetProbe(content); ok {
		return text, name
	}

	if mt := mimetype.Detect(content); !strings.HasPrefix(mt.String(), "text/") {
		return "", EncodingBinary
	}
	return "", EncodingUnknown
}

func decodeWith(enc xencoding.Encoding, content []byte, name string) (string, string) {
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil || !utf8.Valid(decoded) {
		return "", EncodingUnknown
	}
	return string(decoded), name
}

func chardetProbe(content []byte) (string, string, bool) {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(content)
	if err != nil || result == nil || result.Confidence < chardetConfidenceMin {
		return "", "", false
	}

	enc, err := ianaindex.IANA.Encoding(result.Charset)
	if err != nil || enc == nil {
		return "", "", false
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil || !utf8.Valid(decoded) {
		return "", "", false
	}
	return string(decoded), strings.ToLower(result.Charset), true
}
