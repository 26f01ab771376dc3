package audit

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// RefKind is the closed set of image reference encodings seen in sale-event data.
type RefKind int

const (
	RefEmpty RefKind = iota
	RefInlineSVG
	RefSVGDataURL
	RefDataURL
	RefIPFS
	RefIPFSGateway
	RefHTTP
)

func (k RefKind) String() string {
	switch k {
	case RefEmpty:
		return "empty"
	case RefInlineSVG:
		return "inline-svg"
	case RefSVGDataURL:
		return "svg-data-url"
	case RefDataURL:
		return "data-url"
	case RefIPFS:
		return "ipfs"
	case RefIPFSGateway:
		return "ipfs-gateway"
	case RefHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// IsNetwork reports whether resolving the reference needs a fetch.
func (k RefKind) IsNetwork() bool {
	return k == RefIPFS || k == RefIPFSGateway || k == RefHTTP
}

// IsGateway reports whether the reference is served by an IPFS gateway.
func (k RefKind) IsGateway() bool {
	return k == RefIPFS || k == RefIPFSGateway
}

// ImageReference is a classified image reference.
type ImageReference struct {
	Kind RefKind
	Raw  string
	// MediaType is the data-URL media type, e.g. "image/png".
	MediaType string
	// Encoding is "base64", "utf8" or "percent" for data-URLs.
	Encoding string
	// Payload is the data-URL body after the first comma, still encoded.
	Payload string
	// IPFSPath is "<cid>/<path>" for IPFS references, "<name>/<path>" under ipns.
	IPFSPath string
	// Namespace is "ipfs" or "ipns"; empty means ipfs.
	Namespace string
}

const (
	svgDataPrefix   = "data:image/svg+xml"
	dataImagePrefix = "data:image/"
)

// ClassifyReference derives the reference kind. First match wins:
// inline SVG, SVG data-URL, other data:image URL, then network URLs.
func ClassifyReference(raw string) ImageReference {
	s := strings.TrimSpace(raw)
	ref := ImageReference{Raw: s}
	switch {
	case s == "":
		ref.Kind = RefEmpty
	case strings.HasPrefix(s, "<?xml") || strings.HasPrefix(s, "<svg"):
		ref.Kind = RefInlineSVG
		ref.Payload = s
	case strings.HasPrefix(s, svgDataPrefix):
		ref.Kind = RefSVGDataURL
		parseDataURL(&ref, s)
	case strings.HasPrefix(s, dataImagePrefix):
		ref.Kind = RefDataURL
		parseDataURL(&ref, s)
	case strings.HasPrefix(s, "ipfs://"):
		ref.Kind = RefIPFS
		ref.Namespace = nsIPFS
		p := strings.TrimPrefix(s, "ipfs://")
		p = strings.TrimPrefix(p, "ipfs/")
		ref.IPFSPath = strings.TrimLeft(p, "/")
	case strings.HasPrefix(s, "ipns://"):
		ref.Kind = RefIPFS
		ref.Namespace = nsIPNS
		ref.IPFSPath = strings.TrimLeft(strings.TrimPrefix(s, "ipns://"), "/")
	case isGatewayURL(s):
		ref.Kind = RefIPFSGateway
		ref.Namespace, ref.IPFSPath = gatewayPath(s)
	default:
		ref.Kind = RefHTTP
	}
	return ref
}

func parseDataURL(ref *ImageReference, s string) {
	head, payload, _ := strings.Cut(s, ",")
	ref.Payload = payload
	params := strings.Split(strings.TrimPrefix(head, "data:"), ";")
	ref.MediaType = strings.ToLower(params[0])
	ref.Encoding = "percent"
	for _, p := range params[1:] {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "base64":
			ref.Encoding = "base64"
		case "utf8", "utf-8", "charset=utf-8", "charset=utf8":
			if ref.Encoding != "base64" {
				ref.Encoding = "utf8"
			}
		}
	}
}

const (
	nsIPFS = "ipfs"
	nsIPNS = "ipns"
)

func isGatewayURL(s string) bool {
	return strings.Contains(s, "ipfs.io") ||
		strings.Contains(s, "ipfs.tech") ||
		strings.Contains(s, "/ipfs/") ||
		strings.Contains(s, "/ipns/")
}

// gatewayPath splits a public gateway URL into its namespace and the path
// after "/ipfs/" or "/ipns/", whichever comes first.
func gatewayPath(s string) (ns, path string) {
	i, j := strings.Index(s, "/ipfs/"), strings.Index(s, "/ipns/")
	switch {
	case i >= 0 && (j < 0 || i < j):
		return nsIPFS, s[i+len("/ipfs/"):]
	case j >= 0:
		return nsIPNS, s[j+len("/ipns/"):]
	}
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		p := strings.TrimLeft(u.Path, "/")
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return nsIPFS, p
	}
	return nsIPFS, ""
}

// GatewayURL returns "<base>/<namespace>/<path>" for IPFS references and Raw otherwise.
func (r ImageReference) GatewayURL(base string) string {
	if !r.Kind.IsGateway() {
		return r.Raw
	}
	ns := r.Namespace
	if ns == "" {
		ns = nsIPFS
	}
	return strings.TrimRight(base, "/") + "/" + ns + "/" + r.IPFSPath
}

// DecodePayload returns the raw bytes of a data-URL or inline SVG reference.
func (r ImageReference) DecodePayload() ([]byte, error) {
	switch r.Kind {
	case RefInlineSVG:
		return []byte(r.Payload), nil
	case RefSVGDataURL, RefDataURL:
	default:
		return nil, fmt.Errorf("reference kind %s has no inline payload", r.Kind)
	}
	switch r.Encoding {
	case "base64":
		return decodeBase64(r.Payload)
	default:
		s, err := url.PathUnescape(r.Payload)
		if err != nil {
			// Raw SVG text often carries a bare '%' that is not an escape.
			if r.Encoding == "utf8" {
				return []byte(r.Payload), nil
			}
			return nil, &FormatError{Err: fmt.Errorf("percent-decode data url: %w", err)}
		}
		return []byte(s), nil
	}
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if u, err := url.PathUnescape(s); err == nil {
		s = u
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, &FormatError{Err: fmt.Errorf("base64 decode: %w", err)}
	}
	return b, nil
}
