package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type ResolverConfig struct {
	LocalGateway  string
	PublicGateway string
	Timeout       time.Duration
	// RetryTimeout applies to the public-gateway fallback and should be shorter than Timeout.
	RetryTimeout time.Duration
	SVG          SVGOptions
}

// Resolver turns an image reference of any supported encoding into a decoded raster.
type Resolver struct {
	cfg     ResolverConfig
	fetcher *Fetcher
	logger  *zap.Logger
	metrics *Metrics
}

func NewResolver(cfg ResolverConfig, fetcher *Fetcher, logger *zap.Logger, m *Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 20 * time.Second
	}
	return &Resolver{cfg: cfg, fetcher: fetcher, logger: logger, metrics: m}
}

// attempt is one entry of the fetch schedule for a network reference.
type attempt struct {
	url     string
	timeout time.Duration
}

// Schedule lists the fetch attempts for a reference. Only the original leg of an
// IPFS reference gets a second, shorter attempt against the public gateway.
func (r *Resolver) schedule(ref ImageReference, leg Leg) []attempt {
	if !ref.Kind.IsGateway() {
		return []attempt{{url: ref.Raw, timeout: r.cfg.Timeout}}
	}
	out := []attempt{{url: ref.GatewayURL(r.cfg.LocalGateway), timeout: r.cfg.Timeout}}
	if leg == LegOriginal && r.cfg.PublicGateway != "" {
		out = append(out, attempt{url: ref.GatewayURL(r.cfg.PublicGateway), timeout: r.cfg.RetryTimeout})
	}
	return out
}

// Resolve fetches and decodes one image reference. Failures are *AssetError.
func (r *Resolver) Resolve(ctx context.Context, raw string, leg Leg) (*DecodedImage, error) {
	img, err := r.resolve(ctx, raw, leg, 0)
	if err != nil {
		return nil, newAssetError("resolve", leg, truncate(raw, 200), err)
	}
	return img, nil
}

func (r *Resolver) resolve(ctx context.Context, raw string, leg Leg, depth int) (*DecodedImage, error) {
	ref := ClassifyReference(raw)
	r.metrics.observeReference(ref.Kind)

	switch ref.Kind {
	case RefEmpty:
		return nil, ErrEmptyReference
	case RefInlineSVG, RefSVGDataURL:
		data, err := ref.DecodePayload()
		if err != nil {
			return nil, err
		}
		return r.rasterize(data)
	case RefDataURL:
		data, err := ref.DecodePayload()
		if err != nil {
			return nil, err
		}
		return r.decodeBody(ctx, data, ref.MediaType, leg, depth)
	}

	res, err := r.fetch(ctx, ref, leg)
	if err != nil {
		return nil, err
	}
	return r.decodeBody(ctx, res.Body, res.ContentType, leg, depth)
}

func (r *Resolver) fetch(ctx context.Context, ref ImageReference, leg Leg) (*FetchResult, error) {
	var lastErr error
	attempts := r.schedule(ref, leg)
	for i, a := range attempts {
		res, err := r.fetcher.Fetch(ctx, a.url, a.timeout)
		if err == nil {
			return res, nil
		}
		lastErr = &AssetError{Kind: Classify(err), Stage: "fetch", Leg: leg, URL: a.url, Err: err}
		if i+1 >= len(attempts) || !isTransportError(err) || ctx.Err() != nil {
			break
		}
		r.logger.Warn("fetch failed, retrying with public gateway",
			zap.String("leg", string(leg)),
			zap.String("url", a.url),
			zap.String("retry_url", attempts[i+1].url),
			zap.Error(err))
		r.metrics.observeRetry()
	}
	return nil, lastErr
}

// decodeBody dispatches on content type and sniffed content. JSON metadata documents
// are followed one level deep to the image they reference.
func (r *Resolver) decodeBody(ctx context.Context, body []byte, contentType string, leg Leg, depth int) (*DecodedImage, error) {
	head := bytes.TrimSpace(body[:min(len(body), 512)])

	switch {
	case isSVGContentType(contentType) || looksLikeSVG(body):
		return r.rasterize(body)
	case isJSONContentType(contentType) || bytes.HasPrefix(head, []byte("{")):
		if depth > 0 {
			return nil, &FormatError{Err: fmt.Errorf("metadata document references another metadata document")}
		}
		inner, err := ImageFromMetadata(body)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("following metadata image reference", zap.String("leg", string(leg)), zap.String("image", truncate(inner, 120)))
		return r.resolve(ctx, inner, leg, depth+1)
	case !isDecodableContentType(contentType):
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}

	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &FormatError{Err: fmt.Errorf("decode image: %w", err)}
	}
	ct := contentType
	if ExtensionFromContentType(ct) == "unknown" || !isImageContentType(ct) {
		ct = "image/" + format
	}
	return &DecodedImage{
		Image:       img,
		ContentType: ct,
		Extension:   ExtensionFromContentType(ct),
		Digest:      digest(body),
	}, nil
}

func (r *Resolver) rasterize(data []byte) (*DecodedImage, error) {
	img, err := RasterizeSVG(data, r.cfg.SVG)
	if err != nil {
		return nil, err
	}
	return &DecodedImage{
		Image:       img,
		ContentType: "image/svg+xml",
		Extension:   "svg+xml",
		Digest:      digest(data),
	}, nil
}

// looksLikeSVG accepts a document starting with <svg, or with an XML
// declaration, DOCTYPE or comment of any length followed by an <svg element.
func looksLikeSVG(body []byte) bool {
	b := bytes.TrimLeft(body, " \t\r\n\ufeff")
	if bytes.HasPrefix(b, []byte("<svg")) {
		return true
	}
	if bytes.HasPrefix(b, []byte("<?xml")) || bytes.HasPrefix(b, []byte("<!")) {
		return bytes.Contains(b, []byte("<svg"))
	}
	return false
}

func isImageContentType(ct string) bool {
	return len(ct) >= 6 && bytes.EqualFold([]byte(ct[:6]), []byte("image/"))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
