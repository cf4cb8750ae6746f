package outcome

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// InputHash: стабильный хеш смысловой части входа вызова.
// JSON приводится к каноническому виду (ключи по алфавиту, без пробелов), поэтому
// {"b":1, "a":2} и {"a":2,"b":1} дают один хеш. Не-JSON хешируется как есть.
func InputHash(payload []byte) string {
	sum := sha256.Sum256(canonical(payload))
	return hex.EncodeToString(sum[:])
}

func canonical(payload []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return payload
	}
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}
