package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainHistory prefixes ledger entry ids.
// The version suffix leaves room for changing the hashed shape later.
const DomainHistory = "questlog/history/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps domain and data from running together.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentID encodes v canonically and returns its domain-separated hash.
// The same value always yields the same id.
func ContentID(domain string, v any) (string, error) {
	canonical, err := Encode(v)
	if err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}
