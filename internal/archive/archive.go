// Package archive keeps the verified payloads of webhook deliveries that
// could not be reconciled, so an operator can inspect and replay them.
package archive

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
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/giggatek/reconciler/internal/payment"
)

var (
	// ErrNotFound is returned by Get when no record exists under the key.
	ErrNotFound = errors.New("archive: record not found")

	ErrBucketRequired = errors.New("archive: bucket is required")
)

// Record is one archived delivery.
type Record struct {
	Provider              payment.Provider     `json:"provider"`
	EventType             string               `json:"event_type"`
	ProviderTransactionID string               `json:"provider_transaction_id"`
	Outcome               string               `json:"outcome"`
	Error                 string               `json:"error"`
	ArchivedAt            time.Time            `json:"archived_at"`
	Event                 payment.PaymentEvent `json:"event"`
	Payload               []byte               `json:"payload"`
}

// Archiver stores and loads records.
type Archiver interface {
	Put(ctx context.Context, rec Record) (string, error)
	Get(ctx context.Context, key string) (*Record, error)
}

// Key builds the object key for rec:
// failed/{provider}/{yyyy}/{mm}/{dd}/{transaction}-{uuid}.json
func Key(rec Record) string {
	at := rec.ArchivedAt.UTC()
	return fmt.Sprintf("failed/%s/%04d/%02d/%02d/%s-%s.json",
		sanitize(string(rec.Provider)),
		at.Year(), int(at.Month()), at.Day(),
		sanitize(rec.ProviderTransactionID),
		uuid.NewString(),
	)
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// S3Config configures an S3Archiver. Endpoint is optional for AWS and required
// for S3-compatible stores such as R2 or MinIO.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver writes records as JSON objects to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// NewS3Archiver creates an archiver with static credentials.
func NewS3Archiver(cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return &S3Archiver{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		now:    time.Now,
	}, nil
}

// Put uploads rec and returns its object key.
func (a *S3Archiver) Put(ctx context.Context, rec Record) (string, error) {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = a.now().UTC()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode archive record: %w", err)
	}
	key := Key(rec)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Get downloads and decodes the record stored under key.
func (a *S3Archiver) Get(ctx context.Context, key string) (*Record, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

// MemoryArchiver keeps records in process memory. Used in development and tests.
type MemoryArchiver struct {
	mu      sync.Mutex
	records map[string]Record
	keys    []string
}

func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{records: make(map[string]Record)}
}

func (m *MemoryArchiver) Put(ctx context.Context, rec Record) (string, error) {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	key := Key(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec
	m.keys = append(m.keys, key)
	return key, nil
}

func (m *MemoryArchiver) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return &rec, nil
}

// Keys returns the stored keys in insertion order.
func (m *MemoryArchiver) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}
