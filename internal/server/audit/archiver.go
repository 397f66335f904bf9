package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/dvasilenko/authguard/internal/server/repositories/events"
)

// ObjectStore is the slice of the S3 API the archiver uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config carries the object storage connection settings. BaseEndpoint
// allows pointing at a MinIO instance instead of AWS.
type S3Config struct {
	RootUser     string
	RootPassword string
	Bucket       string
	Region       string
	BaseEndpoint string
}

// NewS3Client builds an S3 client from static credentials.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.RootUser,
			cfg.RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
	})
	return client, nil
}

// archivedEvent is the JSONL representation written to object storage.
type archivedEvent struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	SubjectID string            `json:"subject_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Severity  string            `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Archiver ships unarchived security events to object storage in JSONL
// batches and marks them archived afterwards. Rows are only marked after
// the object is durably stored, so a crash re-ships rather than loses.
type Archiver struct {
	repo      events.Repository
	store     ObjectStore
	bucket    string
	batchSize int
	logger    logging.Logger
	now       func() time.Time
}

func NewArchiver(repo events.Repository, store ObjectStore, bucket string, batchSize int, logger logging.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Archiver{
		repo:      repo,
		store:     store,
		bucket:    bucket,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock source. Test seam.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Run archives on every tick until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := a.ArchiveOnce(ctx)
			if err != nil {
				a.logger.Error(ctx, "archive pass failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info(ctx, "archived security events", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ArchiveOnce ships one batch of unarchived events and returns the number
// of events archived. A zero return with nil error means nothing was
// pending.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	evs, err := a.repo.ListUnarchived(ctx, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unarchived events: %w", err)
	}
	if len(evs) == 0 {
		return 0, nil
	}

	body, err := encodeJSONL(evs)
	if err != nil {
		return 0, err
	}
	key := a.objectKey()

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, perr := a.store.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/x-ndjson"),
		})
		if perr != nil {
			return retry.RetryableError(perr)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("uploading %s: %w", key, err)
	}

	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	if err := a.repo.MarkArchived(ctx, ids); err != nil {
		// The object exists but the rows are still pending; the next pass
		// re-ships them into a new object. Duplicate delivery over loss.
		return 0, fmt.Errorf("marking %d events archived: %w", len(ids), err)
	}
	return len(evs), nil
}

func (a *Archiver) objectKey() string {
	d := a.now().UTC()
	return fmt.Sprintf("audit/%d/%02d/%02d/%v.jsonl", d.Year(), d.Month(), d.Day(), uuid.New())
}

func encodeJSONL(evs []models.SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range evs {
		rec := archivedEvent{
			ID:        ev.ID,
			Type:      ev.Type,
			SubjectID: ev.SubjectID,
			IP:        ev.IP,
			Severity:  ev.Severity,
			Details:   ev.Details,
			Timestamp: ev.Timestamp,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encoding event %s: %w", ev.ID, err)
		}
	}
	return buf.Bytes(), nil
}
