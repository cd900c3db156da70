package pgwire

import (
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// utility functions to convert postgres encoding names to html charset names.
//
// The driver works in utf-8 and asks the server for it via client_encoding.
// When the server reports another client_encoding (per-database settings can
// override the startup value), protocol strings and column values are
// converted with one of these encodings.

// maps postgres encoding names to their html/iana names
var nameMap = map[string]string{
	"UTF8":       "utf-8",
	"SQL_ASCII":  "us-ascii",
	"LATIN1":     "iso-8859-1",
	"LATIN2":     "iso-8859-2",
	"LATIN3":     "iso-8859-3",
	"LATIN4":     "iso-8859-4",
	"LATIN5":     "iso-8859-9",
	"LATIN9":     "iso-8859-15",
	"ISO_8859_5": "iso-8859-5",
	"ISO_8859_6": "iso-8859-6",
	"ISO_8859_7": "iso-8859-7",
	"ISO_8859_8": "iso-8859-8",
	"KOI8R":      "koi8-r",
	"KOI8U":      "koi8-u",
	"WIN866":     "cp866",
	"WIN874":     "windows-874",
	"WIN1250":    "cp1250",
	"WIN1251":    "cp1251",
	"WIN1252":    "cp1252",
	"WIN1253":    "cp1253",
	"WIN1254":    "cp1254",
	"WIN1255":    "cp1255",
	"WIN1256":    "cp1256",
	"WIN1257":    "cp1257",
	"WIN1258":    "cp1258",
	"EUC_JP":     "euc-jp",
	"EUC_KR":     "euc-kr",
	"GB18030":    "gb18030",
	"GBK":        "gbk",
	"BIG5":       "big5",
	"SJIS":       "shift_jis",
}

var nameToCharset = map[string]encoding.Encoding{}

// fetch the encodings from html aliases and iana index
func init() {
	for pgName, goName := range nameMap {
		if e, _ := charset.Lookup(goName); e != nil {
			nameToCharset[pgName] = e
			continue
		}
		if e, _ := ianaindex.IANA.Encoding(goName); e != nil {
			nameToCharset[pgName] = e
		}
	}
}

func getEncoding(pgName string) (encoding.Encoding, error) {
	if e, found := nameToCharset[strings.ToUpper(pgName)]; found {
		return e, nil
	}
	return nil, fmt.Errorf("pgwire: unsupported server encoding: %s", pgName)
}
