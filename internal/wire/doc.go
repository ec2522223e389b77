// Package wire produces the canonical JSON that crosses the remote boundary.
//
// Every payload pushed to or pulled from the remote store goes through
// Canonicalize or Encode. The encoding follows RFC 8785 ordering rules:
//
//   - Object keys sorted by UTF-16 code units
//   - Strings NFC normalized, no HTML escaping
//   - No insignificant whitespace
//
// The remote store persists integers only, so numbers must be integral.
// A fractional number is rejected with ErrFractional; callers round derived
// values (xp, coins, vitality, attribute scores) before encoding.
//
// Content-addressed ids (ledger entries) are computed with ContentID using
// SHA-256 and a domain prefix.
package wire
