package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	coordinatePrecision = 4
	digestLength        = 16
)

// Key builds a stable fingerprint "namespace:k1=v1:k2=v2" with parts sorted by
// name, so callers may pass parameters in any order.
func Key(namespace string, parts map[string]string) string {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)

	var builder strings.Builder
	builder.WriteString(namespace)
	for _, name := range names {
		builder.WriteByte(':')
		builder.WriteString(name)
		builder.WriteByte('=')
		builder.WriteString(parts[name])
	}
	return builder.String()
}

// Coord rounds a coordinate to a fixed precision so nearby requests collapse.
func Coord(value float64) string {
	scale := math.Pow10(coordinatePrecision)
	rounded := math.Round(value*scale) / scale
	if rounded == 0 {
		// normalise -0
		rounded = 0
	}
	return strconv.FormatFloat(rounded, 'f', coordinatePrecision, 64)
}

// Date formats the UTC calendar day in ISO form.
func Date(value time.Time) string {
	return value.UTC().Format("2006-01-02")
}

// Digest returns a short SHA-256 prefix of canonicalised JSON. Input that is
// not JSON is hashed verbatim.
func Digest(raw []byte) string {
	canonical := raw
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if encoded, err := json.Marshal(decoded); err == nil {
			canonical = encoded
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:digestLength]
}
