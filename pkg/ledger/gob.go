package ledger

import (
	"bytes"

	"github.com/dave/stablegob"
)

// StableGobEncode encodes persisted node records (credentials, enroll
// data, peer metadata) deterministically.
func StableGobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	enc := stablegob.NewEncoder(&buf)
	err := enc.Encode(v)
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// StableGobDecode decodes a record produced by StableGobEncode.
func StableGobDecode(b []byte, v interface{}) error {
	dec := stablegob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
