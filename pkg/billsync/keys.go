package billsync

import "crypto/subtle"

// VerifyKey compares a caller-supplied webhook key against the configured
// one in constant time. A missing or empty supplied key is always a
// verification failure. The comparison must not leak where the strings
// first differ, so ordinary string equality is not acceptable here.
func VerifyKey(supplied, configured string) bool {
	if supplied == "" || configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(configured)) == 1
}
