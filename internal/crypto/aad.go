package icrypto

import (
	"encoding/binary"
)

const (
	aadCredentialField = "CREDFIELD"
	aadVersion         = 1
)

// AADCredentialField binds a sealed credential field to the table, avatar
// and field name it was written under. Every component is length-prefixed
// so no two distinct tuples encode to the same bytes.
func AADCredentialField(table, avatarID, field string) []byte {
	return buildAAD(aadCredentialField, table, avatarID, field, aadVersion)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
