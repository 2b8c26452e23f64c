// Package document models document references discovered across HIE
// networks and the stable internal ID each one maps to. External networks
// assign their own opaque IDs; the gateway assigns one internal UUID per
// (cxId, patientId, source, externalId) and keeps that mapping forever, so
// repeated discovery of the same document always resolves to the same ID.
package document

import (
	"strings"
	"time"
)

// Source names the network a reference was discovered on.
type Source string

const (
	SourceCarequality Source = "CAREQUALITY"
	SourceCommonWell  Source = "COMMONWELL"
)

// Reference is one discovered document reference.
type Reference struct {
	ID              string // internal stable UUID
	ExternalID      string // network-assigned, opaque
	CxID            string
	PatientID       string
	Source          Source
	HomeCommunityID string
	ContentType     string
	Size            int64
	URL             string
	Description     string
	CreatedAt       time.Time

	// IsNew is set by the retrieving gateway: true when the gateway itself
	// holds no cached copy of the content.
	IsNew bool
}

// convertibleTypes are the content types the conversion pipeline accepts.
var convertibleTypes = map[string]bool{
	"application/xml": true,
	"text/xml":        true,
}

// IsConvertible reports whether the reference's content can be fed to the
// format-conversion pipeline.
func (r Reference) IsConvertible() bool {
	return convertibleTypes[normalizeContentType(r.ContentType)]
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// FileExtension maps the content type to the extension used in storage
// keys. Unknown types keep a generic extension.
func (r Reference) FileExtension() string {
	switch normalizeContentType(r.ContentType) {
	case "application/xml", "text/xml":
		return "xml"
	case "application/pdf":
		return "pdf"
	case "application/json":
		return "json"
	case "text/plain":
		return "txt"
	case "image/tiff":
		return "tiff"
	case "image/jpeg":
		return "jpeg"
	case "image/png":
		return "png"
	default:
		return "bin"
	}
}
