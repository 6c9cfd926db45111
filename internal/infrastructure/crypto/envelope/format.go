package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout of a sealed document:
//
//	magic "DVE1" | alg (1) | len(keyVersion) (1) | keyVersion | salt (16) |
//	len(nonce) (1) | nonce | tag (16) | ciphertext
//
// Everything before the tag is authenticated as additional data together with
// the document id.
var magic = [4]byte{'D', 'V', 'E', '1'}

const (
	saltSize = 16
	tagSize  = 16
)

var errMalformed = errors.New("malformed envelope")

type header struct {
	alg        algorithm
	keyVersion string
	salt       []byte
	nonce      []byte
}

type sealedEnvelope struct {
	header
	tag        []byte
	ciphertext []byte
	aadPrefix  []byte
}

func (h header) marshal() ([]byte, error) {
	if len(h.keyVersion) == 0 || len(h.keyVersion) > 255 {
		return nil, fmt.Errorf("key version length %d out of range", len(h.keyVersion))
	}
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(byte(h.alg))
	buf.WriteByte(byte(len(h.keyVersion)))
	buf.WriteString(h.keyVersion)
	buf.Write(h.salt)
	buf.WriteByte(byte(len(h.nonce)))
	buf.Write(h.nonce)
	return buf.Bytes(), nil
}

func parse(raw []byte) (sealedEnvelope, error) {
	r := bytes.NewReader(raw)

	var gotMagic [4]byte
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil || gotMagic != magic {
		return sealedEnvelope{}, fmt.Errorf("%w: bad magic", errMalformed)
	}
	algByte, err := r.ReadByte()
	if err != nil {
		return sealedEnvelope{}, fmt.Errorf("%w: missing algorithm", errMalformed)
	}
	alg := algorithm(algByte)
	if _, ok := algorithms[alg]; !ok {
		return sealedEnvelope{}, fmt.Errorf("%w: unknown algorithm %d", errMalformed, algByte)
	}

	keyVersion, err := readPrefixed(r)
	if err != nil || len(keyVersion) == 0 {
		return sealedEnvelope{}, fmt.Errorf("%w: missing key version", errMalformed)
	}
	salt, err := readN(r, saltSize)
	if err != nil {
		return sealedEnvelope{}, fmt.Errorf("%w: missing salt", errMalformed)
	}
	nonce, err := readPrefixed(r)
	if err != nil || len(nonce) != algorithms[alg].nonceSize {
		return sealedEnvelope{}, fmt.Errorf("%w: missing nonce", errMalformed)
	}

	prefixLen := len(raw) - r.Len()
	tag, err := readN(r, tagSize)
	if err != nil {
		return sealedEnvelope{}, fmt.Errorf("%w: missing tag", errMalformed)
	}
	ciphertext := raw[len(raw)-r.Len():]

	return sealedEnvelope{
		header: header{
			alg:        alg,
			keyVersion: string(keyVersion),
			salt:       salt,
			nonce:      nonce,
		},
		tag:        tag,
		ciphertext: ciphertext,
		aadPrefix:  raw[:prefixLen],
	}, nil
}

func readPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return readN(r, int(n))
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if r.Len() < n {
		return nil, errMalformed
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil && n > 0 {
		return nil, err
	}
	return out, nil
}
