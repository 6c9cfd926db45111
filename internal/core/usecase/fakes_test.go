package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

const sealedPrefix = "sealed:"

// codecFake seals as "sealed:<sha256>:<plaintext>" so tampering is detectable.
type codecFake struct {
	encryptErr error
	encrypts   int
	decrypts   int
}

func (f *codecFake) Encrypt(_ context.Context, _ *domain.Document, plaintext io.Reader) (domain.Sealed, error) {
	f.encrypts++
	if f.encryptErr != nil {
		return domain.Sealed{}, f.encryptErr
	}
	raw, err := io.ReadAll(plaintext)
	if err != nil {
		return domain.Sealed{}, err
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	return domain.Sealed{
		Envelope:    append([]byte(sealedPrefix+hash+":"), raw...),
		Info:        domain.EncryptionInfo{Algorithm: "TEST", KeyVersion: "1", EncryptedAt: time.Unix(0, 0).UTC()},
		ContentHash: hash,
		PlainSize:   int64(len(raw)),
	}, nil
}

func (f *codecFake) Decrypt(_ context.Context, _ *domain.Document, ciphertext io.Reader) (io.Reader, error) {
	f.decrypts++
	raw, err := io.ReadAll(ciphertext)
	if err != nil {
		return nil, err
	}
	rest, ok := bytes.CutPrefix(raw, []byte(sealedPrefix))
	if !ok {
		return nil, domain.WrapError(domain.ErrIntegrity, "open", errors.New("bad prefix"))
	}
	hash, body, ok := bytes.Cut(rest, []byte(":"))
	if !ok {
		return nil, domain.WrapError(domain.ErrIntegrity, "open", errors.New("missing hash"))
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != string(hash) {
		return nil, domain.WrapError(domain.ErrIntegrity, "open", errors.New("authentication tag mismatch"))
	}
	return bytes.NewReader(body), nil
}

type storeFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]ports.ObjectMetadata
	putErrs []error
	getErrs []error
	putHook func(ctx context.Context) error
	puts    int
	gets    int
}

func newStoreFake() *storeFake {
	return &storeFake{objects: map[string][]byte{}, meta: map[string]ports.ObjectMetadata{}}
}

func (f *storeFake) Put(ctx context.Context, bucket, path string, body io.Reader, meta ports.ObjectMetadata) error {
	f.mu.Lock()
	f.puts++
	hook := f.putHook
	var scripted error
	if len(f.putErrs) > 0 {
		scripted = f.putErrs[0]
		f.putErrs = f.putErrs[1:]
	}
	f.mu.Unlock()

	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if scripted != nil {
		return scripted
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+path] = raw
	f.meta[bucket+"/"+path] = meta
	return nil
}

func (f *storeFake) Get(_ context.Context, bucket, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	raw, ok := f.objects[bucket+"/"+path]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get", errors.New(path))
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), raw...))), nil
}

func (f *storeFake) Exists(context.Context, string) (bool, error) { return true, nil }

func (f *storeFake) EnsureBucket(context.Context, string) error { return nil }

func (f *storeFake) tamper(bucket, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := f.objects[bucket+"/"+path]
	raw[len(raw)-1] ^= 0xff
}

type extractorFake struct {
	text  string
	err   error
	calls int
	input string
}

func (f *extractorFake) Extract(_ context.Context, _ *domain.Document, content io.Reader) (string, error) {
	f.calls++
	raw, _ := io.ReadAll(content)
	f.input = string(raw)
	return f.text, f.err
}

type repoFake struct {
	mu      sync.Mutex
	docs    map[string]*domain.Document
	creates int
	saves   int
	saveErr error
}

func newRepoFake() *repoFake {
	return &repoFake{docs: map[string]*domain.Document{}}
}

func (f *repoFake) Create(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (f *repoFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return cloneDocument(doc), nil
}

func (f *repoFake) Save(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (f *repoFake) get(id string) *domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func cloneDocument(doc *domain.Document) *domain.Document {
	out := *doc
	out.AuditLog = append([]domain.AuditEntry(nil), doc.AuditLog...)
	if doc.Encryption != nil {
		info := *doc.Encryption
		out.Encryption = &info
	}
	if doc.ExtractedText != nil {
		text := *doc.ExtractedText
		out.ExtractedText = &text
	}
	return &out
}

type queueFake struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *queueFake) PublishDocumentStored(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, documentID)
	return nil
}

func (f *queueFake) SubscribeDocumentStored(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

// stepClock advances one second on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func testExecutor(cfg resilience.Config) *resilience.Executor {
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 3
	}
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = time.Millisecond
	return resilience.NewExecutor(cfg, resilience.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}

type lifecycleFixture struct {
	codec      *codecFake
	store      *storeFake
	extractor  *extractorFake
	clock      *stepClock
	controller *LifecycleController
}

func newLifecycleFixture(cfg resilience.Config) *lifecycleFixture {
	f := &lifecycleFixture{
		codec:     &codecFake{},
		store:     newStoreFake(),
		extractor: &extractorFake{text: "JANE DOE\nID 12345"},
		clock:     newStepClock(),
	}
	f.controller = NewLifecycleController(f.codec, f.store, testExecutor(cfg), LifecycleConfig{
		Bucket: "vault",
		Layout: domain.StorageLayout{Prefix: "documents", ShardingEnabled: true, ShardWidth: 2},
	}, WithLifecycleClock(f.clock.Now), WithTextExtractor(f.extractor))
	return f
}

func newPendingDocument(id string, documentType domain.DocumentType) *domain.Document {
	doc, err := domain.NewDocument(id, "enr-42", documentType, "passport.pdf", "application/pdf", 12, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		panic(err)
	}
	return doc
}

func transient(msg string) error {
	return domain.WrapError(domain.ErrTemporary, "object put", errors.New(msg))
}

func auditMessages(doc *domain.Document) []string {
	out := make([]string, 0, len(doc.AuditLog))
	for _, e := range doc.AuditLog {
		out = append(out, e.Action+"/"+e.ResultingStatus+"/"+e.Message)
	}
	return out
}

func hasAudit(doc *domain.Document, action, status, messagePrefix string) bool {
	for _, e := range doc.AuditLog {
		if e.Action == action && e.ResultingStatus == status && strings.HasPrefix(e.Message, messagePrefix) {
			return true
		}
	}
	return false
}
