package domain

import (
	"bytes"
	"io"
)

// Sealed is an encrypted envelope ready for the object store. Reader returns
// a fresh stream on every call so retried writes resend the full payload.
type Sealed struct {
	Envelope    []byte
	Info        EncryptionInfo
	ContentHash string
	PlainSize   int64
}

func (s Sealed) Reader() io.Reader {
	return bytes.NewReader(s.Envelope)
}

func (s Sealed) Size() int64 {
	return int64(len(s.Envelope))
}
