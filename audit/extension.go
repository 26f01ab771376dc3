package audit

import (
	"mime"
	"strings"
)

// ExtensionFromContentType returns the subtype of a media type
// ("image/svg+xml" -> "svg+xml"). Values without a slash are returned as-is.
func ExtensionFromContentType(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		return "unknown"
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if i := strings.LastIndex(ct, "/"); i >= 0 {
		return strings.ToLower(ct[i+1:])
	}
	return strings.ToLower(ct)
}

func isSVGContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "image/svg+xml")
}

func isJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

// isDecodableContentType lists the media types handed to the raster decoders.
// Gateways commonly serve IPFS blobs as octet-stream or text/plain with no sniffing.
func isDecodableContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "image/"):
		return true
	case strings.HasPrefix(ct, "application/octet-stream"):
		return true
	case strings.HasPrefix(ct, "binary/octet-stream"):
		return true
	case strings.HasPrefix(ct, "text/plain"):
		return true
	default:
		return false
	}
}
