package record

import "fmt"

// Kind is the barcode symbology a scan was decoded from.
type Kind string

const (
	KindQRCode     Kind = "qrcode"
	KindCode128    Kind = "code128"
	KindCode39     Kind = "code39"
	KindEAN13      Kind = "ean13"
	KindUPCA       Kind = "upca"
	KindDataMatrix Kind = "datamatrix"
	KindPDF417     Kind = "pdf417"
)

var knownKinds = map[Kind]struct{}{
	KindQRCode:     {},
	KindCode128:    {},
	KindCode39:     {},
	KindEAN13:      {},
	KindUPCA:       {},
	KindDataMatrix: {},
	KindPDF417:     {},
}

// Valid reports whether k is a known symbology.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseKind validates a raw symbology string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown barcode kind %q", s)
	}
	return k, nil
}
