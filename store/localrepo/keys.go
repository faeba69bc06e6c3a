package localrepo

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// Key layout:
//
//	doc#<entity>#<b64(pk)>|<sk>              -> JSON document
//	idx#<entity>#<index>#<b64(pk)>|<sk>|<b64(docKey)> -> docKey
//
// The partition value is base64 encoded so the separators split reliably
// when decoding; the sort value stays raw so iteration order follows it.
const (
	docPrefix = "doc"
	idxPrefix = "idx"
	sep       = "#"
	keySep    = "|"
)

func docKey(entity, pk, sk string) []byte {
	return []byte(docPrefix + sep + entity + sep + encodePartition(pk) + keySep + sk)
}

func docScanPrefix(entity string) []byte {
	return []byte(docPrefix + sep + entity + sep)
}

func docPartitionPrefix(entity, pk string) []byte {
	return []byte(docPrefix + sep + entity + sep + encodePartition(pk) + keySep)
}

func idxKey(entity, index, pk, sk string, doc []byte) []byte {
	return []byte(idxPrefix + sep + entity + sep + index + sep +
		encodePartition(pk) + keySep + sk + keySep + encodePartition(string(doc)))
}

func idxPartitionPrefix(entity, index, pk string) []byte {
	return []byte(idxPrefix + sep + entity + sep + index + sep + encodePartition(pk) + keySep)
}

func encodePartition(pk string) string {
	return base64.StdEncoding.EncodeToString([]byte(pk))
}

// composite joins attribute values into one key segment.
func composite(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = encodeKeyValue(v)
	}
	return strings.Join(parts, sep)
}

// encodeKeyValue renders a key attribute value so lexicographic byte order
// follows the value's natural order. Numbers are zero padded to fixed width;
// JSON-decoded numbers arrive as float64.
func encodeKeyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return padInt(int64(t))
	case int32:
		return padInt(int64(t))
	case int64:
		return padInt(t)
	case uint:
		return padInt(int64(t))
	case float32:
		return padFloat(float64(t))
	case float64:
		if t == float64(int64(t)) {
			return padInt(int64(t))
		}
		return padFloat(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func padInt[T constraints.Signed](v T) string {
	return fmt.Sprintf("%020d", v)
}

func padFloat[T constraints.Float](v T) string {
	return fmt.Sprintf("%024.6f", v)
}
