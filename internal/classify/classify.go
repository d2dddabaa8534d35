// Package classify decides, from a subprocess's captured combined output,
// whether its failure indicates cache corruption (worth evicting the mirror
// and retrying) or an authentication problem (worth surfacing but not
// worth evicting over).
package classify

import "regexp"

var authErrorPattern = regexp.MustCompile(`(?m)^fatal: Authentication failed`)

// retriablePatterns mirrors the line anchors in the spec's failure
// classifier table. Hex object ids and delta counts are matched loosely
// since git's exact wording includes values we don't need to capture.
var retriablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^fatal: missing blob object`),
	regexp.MustCompile(`(?m)^fatal: remote did not send all necessary objects`),
	regexp.MustCompile(`(?m)^fatal: packed object [0-9a-f]+ \(stored in .*\) is corrupt`),
	regexp.MustCompile(`(?m)^fatal: pack has \d+ unresolved delta`),
	regexp.MustCompile(`(?m)^error: unable to read sha1 file of`),
	regexp.MustCompile(`(?m)^fatal: did not receive expected object`),
	authErrorPattern,
}

// unableToReadTree and the checkout-failed warning only count as retriable
// together — the tree error alone can show up for unrelated, non-corruption
// reasons.
var (
	unableToReadTree    = regexp.MustCompile(`(?m)^fatal: unable to read tree [0-9a-f]+`)
	checkoutFailedAfter = regexp.MustCompile(`(?m)^warning: Clone succeeded, but checkout failed`)
)

// AuthError reports whether output contains a `fatal: Authentication
// failed` line.
func AuthError(output string) bool {
	return authErrorPattern.MatchString(output)
}

// Retriable reports whether output matches one of the cache-corruption
// failure signatures (including authentication failure, which is
// retriable but handled specially by the cache — see AuthError).
func Retriable(output string) bool {
	for _, pattern := range retriablePatterns {
		if pattern.MatchString(output) {
			return true
		}
	}
	treeLoc := unableToReadTree.FindStringIndex(output)
	if treeLoc == nil {
		return false
	}
	checkoutLoc := checkoutFailedAfter.FindStringIndex(output[treeLoc[1]:])
	return checkoutLoc != nil
}
