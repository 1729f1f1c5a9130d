package ocr

import "regexp"

// assetPattern matches CDN asset URLs of the form
// …/asset/{ASSET_ID} or …/asset/{ASSET_ID}/{variant}.
var assetPattern = regexp.MustCompile(`^(.*/asset/[A-Za-z0-9_-]+)(?:/[A-Za-z0-9_-]+)?$`)

// Variants computes the OCR candidate URLs for a CDN URL.
//
// For CDN asset URLs the primary is the /medium variant (~1288 px on the
// longest side, the sweet spot for OCR token usage) and the fallback is the
// bare asset. Anything else is used as-is with no fallback.
func Variants(cdnURL string) (primary, fallback string) {
	m := assetPattern.FindStringSubmatch(cdnURL)
	if m == nil {
		return cdnURL, ""
	}
	return m[1] + "/medium", m[1]
}
