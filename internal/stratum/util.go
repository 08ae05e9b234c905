package stratum

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

// stripHexPrefix removes a leading "0x" if present, as every hex field
// crossing the proxy boundary is expected to arrive without one downstream.
func stripHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s[2:]
	}
	return s
}

// reverseEndianess flips the byte order of a hex string, used for the
// RandomX dialect's nonce, seed hash and target fields.
func reverseEndianess(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return hex.EncodeToString(b), nil
}

// randomHex returns n random bytes rendered as lowercase hex.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const alnumAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomAlnum returns a random uppercase-alphanumeric string of length n,
// used for the ProgPoW dialect's subscribe id.
func randomAlnum(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alnumAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alnumAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// isTruthy mirrors the truthiness a dynamically-typed source applies to a
// decoded JSON value: nil, false, zero and empty string are falsy.
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// formatDifficulty renders the leading 16 hex chars of a target as an
// approximate difficulty string (T/G/M/K), used only to make "new job" log
// lines readable.
func formatDifficulty(target string) string {
	if len(target) < 16 {
		return target
	}
	lead, ok := new(big.Int).SetString(target[:16], 16)
	if !ok {
		return target
	}
	if lead.Sign() == 0 {
		return "inf"
	}
	maxTarget := new(big.Int).SetUint64(^uint64(0))
	diff := new(big.Int).Quo(maxTarget, lead)
	f := new(big.Float).SetInt(diff)

	units := []struct {
		threshold int64
		suffix    string
	}{
		{1_000_000_000_000, "T"},
		{1_000_000_000, "G"},
		{1_000_000, "M"},
		{1_000, "K"},
	}
	for _, u := range units {
		threshold := new(big.Float).SetInt64(u.threshold)
		if f.Cmp(threshold) > 0 {
			scaled := new(big.Float).Quo(f, threshold)
			return scaled.Text('f', 2) + u.suffix
		}
	}
	return f.Text('f', 2)
}
