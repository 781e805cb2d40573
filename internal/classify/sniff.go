package classify

import (
	"bytes"
	"encoding/asn1"

	"github.com/gabriel-vasile/mimetype"
)

// Sniffer decides whether content looks like a valid file of its format.
// PDF, TXT and PFX checks are heuristics and can be replaced per extension.
type Sniffer interface {
	Sniff(data []byte) bool
}

// SnifferFunc adapts a function to Sniffer.
type SnifferFunc func(data []byte) bool

func (f SnifferFunc) Sniff(data []byte) bool { return f(data) }

func sniffPDF(data []byte) bool {
	return mimetype.Detect(data).Is("application/pdf")
}

func sniffText(data []byte) bool {
	if len(bytes.TrimSpace(data)) == 0 {
		return false
	}
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

// sniffPFX accepts a DER SEQUENCE, the outer structure of a PKCS#12 file.
func sniffPFX(data []byte) bool {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(data, &raw); err != nil {
		return false
	}
	return raw.Class == asn1.ClassUniversal && raw.Tag == asn1.TagSequence && raw.IsCompound
}

// looksLikeXML reports whether content starts with '<' once whitespace and a
// UTF-8 BOM are trimmed.
func looksLikeXML(data []byte) bool {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("\xef\xbb\xbf"))
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '<'
}
