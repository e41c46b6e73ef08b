package realm

import "encoding/json"

// Metadata key for the authenticator's token-type tag, always present.
const metadataTokenTypeKey = "jwt_token_type"

// Prefix for claim-derived metadata keys.
const metadataClaimPrefix = "jwt_claim_"

// buildUserMetadata formats and filters JWT claims as user metadata. The
// result always contains jwt_token_type; when populate is set, every claim
// whose value passes the type filter is added under "jwt_claim_<name>".
func buildUserMetadata(claims *ClaimsSet, tokenType string, populate bool) map[string]any {
	metadata := map[string]any{metadataTokenTypeKey: tokenType}
	if populate {
		for name, value := range claims.Claims() {
			if isAllowedTypeForClaim(value) {
				metadata[metadataClaimPrefix+name] = value
			}
		}
	}
	return metadata
}

// isAllowedTypeForClaim reports whether a claim value may be copied into
// user metadata. Values are only allowed to be string, boolean, number, or
// a sequence whose every element is string, boolean, or number. Sequence
// recursion is not allowed. Mappings are not allowed. Nulls are not
// allowed.
func isAllowedTypeForClaim(value any) bool {
	switch v := value.(type) {
	case []any:
		for _, e := range v {
			if !isAllowedScalarForClaim(e) {
				return false
			}
		}
		return true
	case []string:
		return true
	default:
		return isAllowedScalarForClaim(value)
	}
}

func isAllowedScalarForClaim(value any) bool {
	switch value.(type) {
	case string, bool,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return true
	}
	return false
}
