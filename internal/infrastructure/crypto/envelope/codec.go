package envelope

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

const (
	AlgorithmAES256GCM         = "AES-256-GCM"
	AlgorithmXChaCha20Poly1305 = "XChaCha20-Poly1305"

	dataKeySize = 32
	kdfInfo     = "document-vault/data-key/v1"
)

type algorithm byte

const (
	algAES256GCM algorithm = iota + 1
	algXChaCha20Poly1305
)

type algorithmParams struct {
	name      string
	nonceSize int
	newAEAD   func(key []byte) (cipher.AEAD, error)
}

var algorithms = map[algorithm]algorithmParams{
	algAES256GCM: {
		name:      AlgorithmAES256GCM,
		nonceSize: 12,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	},
	algXChaCha20Poly1305: {
		name:      AlgorithmXChaCha20Poly1305,
		nonceSize: chacha20poly1305.NonceSizeX,
		newAEAD:   chacha20poly1305.NewX,
	},
}

func algorithmByName(name string) (algorithm, error) {
	for id, params := range algorithms {
		if params.name == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unsupported algorithm %q", name)
}

type Option func(*Codec)

func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.random = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// Codec seals documents with a per-operation data key derived by HKDF from
// the master key and a fresh salt.
type Codec struct {
	keys   ports.KeySource
	alg    algorithm
	random io.Reader
	now    func() time.Time
}

func New(keys ports.KeySource, algorithmName string, opts ...Option) (*Codec, error) {
	if keys == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if algorithmName == "" {
		algorithmName = AlgorithmAES256GCM
	}
	alg, err := algorithmByName(algorithmName)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		keys:   keys,
		alg:    alg,
		random: rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) Encrypt(ctx context.Context, doc *domain.Document, plaintext io.Reader) (domain.Sealed, error) {
	if doc == nil || plaintext == nil {
		return domain.Sealed{}, domain.WrapError(domain.ErrValidation, "encrypt", errors.New("document and content are required"))
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plaintext); err != nil {
		return domain.Sealed{}, domain.WrapError(domain.ErrEncryption, "read plaintext", err)
	}
	plain := buf.Bytes()
	defer wipe(plain)

	version, master, err := c.keys.ActiveKey(ctx)
	if err != nil {
		return domain.Sealed{}, domain.WrapError(domain.ErrEncryption, "load master key", err)
	}
	defer wipe(master)

	params := algorithms[c.alg]
	salt := make([]byte, saltSize)
	nonce := make([]byte, params.nonceSize)
	if _, err := io.ReadFull(c.random, salt); err != nil {
		return domain.Sealed{}, domain.WrapError(domain.ErrEncryption, "generate salt", err)
	}
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return domain.Sealed{}, domain.WrapError(domain.ErrEncryption, "generate nonce", err)
	}

	aead, err := newAEAD(params, master, salt)
	if err != nil {
		return domain.Sealed{}, err
	}

	h := header{alg: c.alg, keyVersion: version, salt: salt, nonce: nonce}
	prefix, err := h.marshal()
	if err != nil {
		return domain.Sealed{}, domain.WrapError(domain.ErrEncryption, "build envelope", err)
	}

	sealed := aead.Seal(nil, nonce, plain, additionalData(prefix, doc.ID))
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, len(prefix)+tagSize+len(body))
	out = append(out, prefix...)
	out = append(out, tag...)
	out = append(out, body...)

	sum := sha256.Sum256(plain)
	return domain.Sealed{
		Envelope: out,
		Info: domain.EncryptionInfo{
			Algorithm:   params.name,
			KeyVersion:  version,
			EncryptedAt: c.now().UTC(),
		},
		ContentHash: hex.EncodeToString(sum[:]),
		PlainSize:   int64(len(plain)),
	}, nil
}

// Decrypt fails closed: a malformed envelope, a mismatched sidecar or a bad
// tag never yields plaintext.
func (c *Codec) Decrypt(ctx context.Context, doc *domain.Document, ciphertext io.Reader) (io.Reader, error) {
	if doc == nil || ciphertext == nil {
		return nil, domain.WrapError(domain.ErrValidation, "decrypt", errors.New("document and content are required"))
	}
	raw, err := io.ReadAll(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	env, err := parse(raw)
	if err != nil {
		return nil, domain.WrapError(domain.ErrIntegrity, "decrypt", err)
	}
	params := algorithms[env.alg]
	if info := doc.Encryption; info != nil {
		if info.KeyVersion != env.keyVersion || info.Algorithm != params.name {
			return nil, domain.WrapError(domain.ErrIntegrity, "decrypt", errors.New("envelope does not match document encryption metadata"))
		}
	}

	master, err := c.keys.Key(ctx, env.keyVersion)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEncryption, "load master key", err)
	}
	defer wipe(master)

	aead, err := newAEAD(params, master, env.salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(env.ciphertext)+tagSize)
	sealed = append(sealed, env.ciphertext...)
	sealed = append(sealed, env.tag...)

	plain, err := aead.Open(nil, env.nonce, sealed, additionalData(env.aadPrefix, doc.ID))
	if err != nil {
		return nil, domain.WrapError(domain.ErrIntegrity, "decrypt", errors.New("authentication tag mismatch"))
	}
	return bytes.NewReader(plain), nil
}

func newAEAD(params algorithmParams, master, salt []byte) (cipher.AEAD, error) {
	dataKey := make([]byte, dataKeySize)
	defer wipe(dataKey)

	kdf := hkdf.New(sha256.New, master, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, dataKey); err != nil {
		return nil, domain.WrapError(domain.ErrEncryption, "derive data key", err)
	}
	aead, err := params.newAEAD(dataKey)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEncryption, "init cipher", err)
	}
	return aead, nil
}

func additionalData(prefix []byte, documentID string) []byte {
	out := make([]byte, 0, len(prefix)+len(documentID))
	out = append(out, prefix...)
	return append(out, documentID...)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
