package classify

import (
	"strconv"
	"time"

	regexp "github.com/wasilibs/go-re2"
)

const accessKeyLen = 44

// docPattern locates the access key of one fiscal document family.
type docPattern struct {
	family  string
	pattern *regexp.Regexp
}

var docPatterns = []docPattern{
	{"nfe", regexp.MustCompile(`<chNFe>\s*(\d{44})\s*</chNFe>`)},
	{"nfe", regexp.MustCompile(`Id="NFe(\d{44})"`)},
	{"cte", regexp.MustCompile(`<chCTe>\s*(\d{44})\s*</chCTe>`)},
	{"cte", regexp.MustCompile(`Id="CTe(\d{44})"`)},
	{"mdfe", regexp.MustCompile(`<chMDFe>\s*(\d{44})\s*</chMDFe>`)},
	{"mdfe", regexp.MustCompile(`Id="MDFe(\d{44})"`)},
	{"cfe", regexp.MustCompile(`Id="CFe(\d{44})"`)},
	{"nfse", regexp.MustCompile(`<chNFSe>\s*(\d{44})\s*</chNFSe>`)},
}

var (
	issueDateTimeRe = regexp.MustCompile(`<dhEmi>\s*([^<\s]+)\s*</dhEmi>`)
	issueDateRe     = regexp.MustCompile(`<dEmi>\s*(\d{4}-\d{2}-\d{2})\s*</dEmi>`)
	emitterCNPJRe   = regexp.MustCompile(`(?s)<(?:emit|prest)>.*?<CNPJ>\s*(\d{14})\s*</CNPJ>`)
)

// AccessKey is the 44-digit identifier embedded in a fiscal document:
// UF(2) AAMM(4) CNPJ(14) model(2) series(3) number(9) emission(1) code(8) DV(1).
type AccessKey string

// Valid reports whether k has the expected length and a plausible month.
func (k AccessKey) Valid() bool {
	if len(k) != accessKeyLen {
		return false
	}
	m := k.Month()
	return m >= 1 && m <= 12
}

func (k AccessKey) Year() int {
	yy, _ := strconv.Atoi(string(k[2:4]))
	return 2000 + yy
}

func (k AccessKey) Month() int {
	mm, _ := strconv.Atoi(string(k[4:6]))
	return mm
}

// CNPJ returns the issuer registration number.
func (k AccessKey) CNPJ() string { return string(k[6:20]) }

// Document is what could be read from a fiscal XML.
type Document struct {
	Family    string
	Key       AccessKey
	IssuedAt  time.Time
	// MonthOnly is set when IssuedAt was derived from the key's AAMM and
	// only its year and month are meaningful.
	MonthOnly bool
	CNPJ      string
}

// ParseDocument extracts fiscal semantics from XML content. ok is false when
// no access key was found, i.e. the content is not a fiscal document.
func ParseDocument(data []byte, loc *time.Location) (Document, bool) {
	var doc Document
	for _, p := range docPatterns {
		m := p.pattern.FindSubmatch(data)
		if m == nil {
			continue
		}
		key := AccessKey(m[1])
		if !key.Valid() {
			continue
		}
		doc.Family = p.family
		doc.Key = key
		break
	}
	if doc.Key == "" {
		return Document{}, false
	}

	doc.IssuedAt, doc.MonthOnly = issueDate(data, doc.Key, loc)

	doc.CNPJ = doc.Key.CNPJ()
	if m := emitterCNPJRe.FindSubmatch(data); m != nil {
		doc.CNPJ = string(m[1])
	}
	return doc, true
}

// issueDate prefers dhEmi, then dEmi, then the first day of the key's month.
// monthOnly reports the last case.
func issueDate(data []byte, key AccessKey, loc *time.Location) (issued time.Time, monthOnly bool) {
	if m := issueDateTimeRe.FindSubmatch(data); m != nil {
		if t, err := time.Parse(time.RFC3339, string(m[1])); err == nil {
			return t, false
		}
	}
	if m := issueDateRe.FindSubmatch(data); m != nil {
		if t, err := time.ParseInLocation(time.DateOnly, string(m[1]), loc); err == nil {
			return t, false
		}
	}
	return time.Date(key.Year(), time.Month(key.Month()), 1, 0, 0, 0, 0, loc), true
}
