package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"golang.org/x/exp/slices"
)

// Fingerprint is the result cache key of one call. It changes whenever the
// function's published code, its version or the call arguments change, and
// never depends on argument order.
func Fingerprint(funcID, codeHash string, version int64, args map[string]any) (string, error) {
	argsHash, err := HashArgs(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, part := range []string{funcID, codeHash, strconv.FormatInt(version, 10), argsHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashArgs hashes the canonical serialization of args.
func HashArgs(args map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, args); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// writeCanonical writes v as JSON with map keys sorted at every depth.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
