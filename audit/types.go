package audit

import (
	"image"
	"strconv"
)

// Required input columns.
const (
	ColAssetID     = "asset_id"
	ColImageURL    = "asset_img_url"
	ColOriginalURL = "asset_img_org_url"
	ColErrorType   = "error_type"
)

// ResultColumns is the header of the results file.
var ResultColumns = []string{
	"asset_id",
	"ssim_score",
	"mse_score",
	"phash_difference",
	"opensea_extension",
	"original_extension",
}

// AssetRecord is one row of the upstream sale-event CSV.
// Columns and Values keep every passthrough column in input order.
type AssetRecord struct {
	ID          string
	ImageURL    string
	OriginalURL string
	Columns     []string
	Values      []string
}

// Field returns the value of a named column, or "" when absent.
func (r AssetRecord) Field(name string) string {
	for i, c := range r.Columns {
		if c == name && i < len(r.Values) {
			return r.Values[i]
		}
	}
	return ""
}

// DecodedImage is a raster image plus what the source declared it to be.
type DecodedImage struct {
	Image       image.Image
	ContentType string
	Extension   string
	// Digest is the sha256 hex of the fetched or inlined bytes.
	Digest string
}

type ComparisonResult struct {
	AssetID           string
	SSIM              float64
	MSE               float64
	PHashDifference   int
	OpenseaExtension  string
	OriginalExtension string
}

// Row renders the result in ResultColumns order.
func (c ComparisonResult) Row() []string {
	return []string{
		c.AssetID,
		strconv.FormatFloat(c.SSIM, 'f', -1, 64),
		strconv.FormatFloat(c.MSE, 'f', -1, 64),
		strconv.Itoa(c.PHashDifference),
		c.OpenseaExtension,
		c.OriginalExtension,
	}
}

// Leg identifies which of the two images of an asset is being handled.
type Leg string

const (
	LegMarketplace Leg = "marketplace"
	LegOriginal    Leg = "original"
)
