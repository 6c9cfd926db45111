package jetstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type Options struct {
	Replicas int
	// Description is attached to buckets created by EnsureBucket.
	Description string
}

// Store keeps documents in NATS JetStream object store buckets.
type Store struct {
	js   jetstream.JetStream
	opts Options

	mu      sync.Mutex
	buckets map[string]jetstream.ObjectStore
}

func New(js jetstream.JetStream, opts Options) *Store {
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	return &Store{
		js:      js,
		opts:    opts,
		buckets: make(map[string]jetstream.ObjectStore),
	}
}

func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, meta ports.ObjectMetadata) error {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	headers := nats.Header{}
	if meta.ContentType != "" {
		headers.Set("Content-Type", meta.ContentType)
	}
	_, err = obs.Put(ctx, jetstream.ObjectMeta{
		Name:     key,
		Headers:  headers,
		Metadata: meta.Attributes,
	}, body)
	if err != nil {
		return wrapJetStreamError("jetstream put object", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	result, err := obs.Get(ctx, key)
	if err != nil {
		return nil, wrapJetStreamError("jetstream get object", err)
	}
	return result, nil
}

func (s *Store) Exists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.bucket(ctx, bucket)
	if err == nil {
		return true, nil
	}
	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	if _, err := s.bucket(ctx, bucket); err == nil {
		return nil
	} else if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return err
	}

	obs, err := s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: s.opts.Description,
		Storage:     jetstream.FileStorage,
		Replicas:    s.opts.Replicas,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return wrapJetStreamError("jetstream create bucket", err)
		}
		// Lost a creation race: use the bucket the other writer created.
		if _, err := s.bucket(ctx, bucket); err != nil {
			return err
		}
		return nil
	}

	s.mu.Lock()
	s.buckets[bucket] = obs
	s.mu.Unlock()
	return nil
}

func (s *Store) bucket(ctx context.Context, name string) (jetstream.ObjectStore, error) {
	s.mu.Lock()
	obs, ok := s.buckets[name]
	s.mu.Unlock()
	if ok {
		return obs, nil
	}

	obs, err := s.js.ObjectStore(ctx, name)
	if err != nil {
		return nil, wrapJetStreamError("jetstream open bucket", err)
	}
	s.mu.Lock()
	s.buckets[name] = obs
	s.mu.Unlock()
	return obs, nil
}

var _ ports.ObjectStore = (*Store)(nil)
