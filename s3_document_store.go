package usagesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig configures the S3 document store.
type S3StoreConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead
	// of setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"` // Key prefix for all objects
	UsePathStyle    bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
	CacheSize       int    `json:"cache_size,omitempty" yaml:"cache_size,omitempty"` // Documents to cache (default: 100)

	// MaxRetries bounds retry attempts for S3 operations (default: 3).
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// s3API is the slice of the S3 client the store uses. Satisfied by
// *s3.Client.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3DocumentStore implements DocumentStore over S3 or S3-compatible storage.
// Each document is one JSON object; its path maps directly to the object key
// under the configured prefix. S3 has no multi-key transaction, so BatchWrite
// validates everything up front and then applies writes sequentially; a
// mid-batch failure is reported but earlier writes stay. Callers needing
// strict atomicity should route batches through the offline queue instead.
type S3DocumentStore struct {
	client  s3API
	config  S3StoreConfig
	cache   *LRUCache
	retryer *Retryer
}

// LRUCache is a simple LRU cache for document payloads.
type LRUCache struct {
	capacity int
	items    map[string]*cacheItem
	order    []string
	mu       sync.Mutex
}

type cacheItem struct {
	data      []byte
	timestamp time.Time
}

// NewLRUCache creates a new LRU cache.
func NewLRUCache(capacity int) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
	}
}

// Get retrieves an item from the cache.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	// Move to end (most recently used)
	c.moveToEnd(key)
	return item.data, true
}

// Put adds an item to the cache.
func (c *LRUCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key].data = data
		c.items[key].timestamp = time.Now()
		c.moveToEnd(key)
		return
	}

	// Evict if at capacity
	for len(c.items) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = &cacheItem{data: data, timestamp: time.Now()}
	c.order = append(c.order, key)
}

// Delete removes an item from the cache.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *LRUCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			break
		}
	}
}

// NewS3DocumentStore creates an S3-backed document store.
func NewS3DocumentStore(cfg S3StoreConfig) (*S3DocumentStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3DocumentStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		cache:  NewLRUCache(cfg.CacheSize),
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsTransient,
		}),
	}, nil
}

func (s *S3DocumentStore) objectKey(path string) string {
	return s.config.Prefix + normalizePath(path) + ".json"
}

// GetDoc reads and decodes the document at a path. It always fetches the
// stored object: sync writers compare against the current remote version
// before writing, and a cached copy could hide another device's write.
func (s *S3DocumentStore) GetDoc(ctx context.Context, path string) (*VersionedDocument, error) {
	return s.getDoc(ctx, path, false)
}

func (s *S3DocumentStore) getDoc(ctx context.Context, path string, fromCache bool) (*VersionedDocument, error) {
	key := s.objectKey(path)

	if fromCache {
		if data, ok := s.cache.Get(key); ok {
			return decodeStoredDocument(data, path)
		}
	}

	var data []byte
	err := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return ErrDocNotFound
			}
			return newSyncError(classifyS3Error(err), "s3 get", path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return newSyncError(ErrorKindTransient, "s3 read body", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(key, data)
	return decodeStoredDocument(data, path)
}

// SetDoc encodes and writes a document with full replace semantics.
func (s *S3DocumentStore) SetDoc(ctx context.Context, path string, doc *VersionedDocument) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return newSyncError(ErrorKindPermanent, "encode document", path, err)
	}

	key := s.objectKey(path)
	err = s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return newSyncError(classifyS3Error(err), "s3 put", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Put(key, data)
	return nil
}

// DocExists checks document presence with a HEAD request.
func (s *S3DocumentStore) DocExists(ctx context.Context, path string) (bool, error) {
	key := s.objectKey(path)

	if _, ok := s.cache.Get(key); ok {
		return true, nil
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, newSyncError(classifyS3Error(err), "s3 head", path, err)
	}
	return true, nil
}

// QueryCollection lists the documents directly under a collection path using
// the paginated ListObjectsV2 API. Per-object reads go through the LRU cache;
// rollup queries tolerate slightly stale entries, unlike conflict-detection
// reads.
func (s *S3DocumentStore) QueryCollection(ctx context.Context, collection string, opts QueryOptions) ([]QueryResult, error) {
	prefix := s.config.Prefix + normalizePath(collection) + "/"

	var results []QueryResult
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.config.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, newSyncError(classifyS3Error(err), "s3 list", collection, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			path := strings.TrimSuffix(strings.TrimPrefix(key, s.config.Prefix), ".json")

			doc, err := s.getDoc(ctx, path, true)
			if err != nil {
				if errors.Is(err, ErrDocNotFound) {
					continue
				}
				return nil, err
			}
			if opts.Filter != nil && !opts.Filter(path, doc) {
				continue
			}
			results = append(results, QueryResult{Path: path, Document: doc})
			if opts.Limit > 0 && len(results) >= opts.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// BatchWrite validates all operations, then applies them in order. S3 offers
// no cross-key transaction; a failure partway through returns the error with
// earlier writes already applied.
func (s *S3DocumentStore) BatchWrite(ctx context.Context, ops []WriteOperation) error {
	for _, op := range ops {
		if _, _, err := splitPath(op.Path); err != nil {
			return err
		}
		if op.Type != OperationDelete && op.Document == nil {
			return fmt.Errorf("batch write: missing document for %s %s", op.Type, op.Path)
		}
	}

	for _, op := range ops {
		var err error
		if op.Type == OperationDelete {
			err = s.deleteDoc(ctx, op.Path)
		} else {
			err = s.SetDoc(ctx, op.Path, op.Document)
		}
		if err != nil {
			return fmt.Errorf("batch write at %s: %w", op.Path, err)
		}
	}
	return nil
}

func (s *S3DocumentStore) deleteDoc(ctx context.Context, path string) error {
	key := s.objectKey(path)
	err := s.retryer.Do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return newSyncError(classifyS3Error(err), "s3 delete", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.Delete(key)
	return nil
}

func decodeStoredDocument(data []byte, path string) (*VersionedDocument, error) {
	var doc VersionedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, newSyncError(ErrorKindPermanent, "decode document", path, err)
	}
	return &doc, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

func classifyS3Error(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "accessdenied"), strings.Contains(msg, "invalidaccesskeyid"),
		strings.Contains(msg, "expiredtoken"), strings.Contains(msg, "signaturedoesnotmatch"):
		return ErrorKindAuth
	case strings.Contains(msg, "slowdown"), strings.Contains(msg, "throttl"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "internalerror"), strings.Contains(msg, "serviceunavailable"):
		return ErrorKindTransient
	default:
		return ErrorKindTransient
	}
}
