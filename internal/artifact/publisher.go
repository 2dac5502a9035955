package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
)

// PublisherConfig holds the publisher tunables.
type PublisherConfig struct {
	SignedURLTTL   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Publisher uploads resolved artifacts and signs time limited URLs.
// A job is published as a whole or not at all.
type Publisher struct {
	storage client.StorageClient
	cfg     PublisherConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewPublisher(storage client.StorageClient, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 7 * 24 * time.Hour
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{storage: storage, cfg: cfg, logger: logger, now: time.Now}
}

// ObjectKey returns jobs/job_<id>_<YYYYMMDD_HHMMSS>/<stage>/<kind><ext>.
func ObjectKey(job *model.Job, spec Spec, localPath string) string {
	stamp := job.CreatedAt.UTC().Format("20060102_150405")
	return path.Join("jobs", fmt.Sprintf("job_%s_%s", job.ID, stamp), string(spec.Stage), string(spec.Kind)+strings.ToLower(filepath.Ext(localPath)))
}

// ContentType maps an artifact file extension to a MIME type.
func ContentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".wav":
		return "audio/wav"
	case ".mid", ".midi":
		return "audio/midi"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// Publish uploads every artifact recorded on job. If any upload still fails
// after retries the objects already written are removed and the error names
// the failing kind.
func (p *Publisher) Publish(ctx context.Context, job *model.Job) (map[model.ArtifactKind]model.SignedURL, error) {
	if len(job.ArtifactPaths) == 0 {
		return nil, fmt.Errorf("job %s has no artifacts to publish", job.ID)
	}

	urls := make(map[model.ArtifactKind]model.SignedURL, len(job.ArtifactPaths))
	var uploaded []string

	for _, spec := range DefaultSpecs {
		localPath, ok := job.ArtifactPaths[spec.Kind]
		if !ok {
			continue
		}
		key := ObjectKey(job, spec, localPath)
		signed, err := p.publishOne(ctx, job.ID, spec.Kind, key, localPath)
		if err != nil {
			p.cleanup(job.ID, uploaded)
			return nil, model.ErrUploadFailed(spec.Kind, err)
		}
		uploaded = append(uploaded, key)
		urls[spec.Kind] = signed
	}
	return urls, nil
}

func (p *Publisher) publishOne(ctx context.Context, jobID string, kind model.ArtifactKind, key, localPath string) (model.SignedURL, error) {
	var signed model.SignedURL
	attempt := 0

	operation := func() error {
		attempt++
		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open %s: %w", localPath, err))
		}
		defer f.Close()

		if err := p.storage.Upload(ctx, key, f, ContentType(localPath)); err != nil {
			p.logger.Warn("artifact upload failed",
				zap.String(logging.FieldJobID, jobID),
				zap.String(logging.FieldKind, string(kind)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		url, err := p.storage.GetSignedURL(ctx, key, p.cfg.SignedURLTTL)
		if err != nil {
			return err
		}
		signed = model.SignedURL{URL: url, Key: key, ExpiresAt: p.now().Add(p.cfg.SignedURLTTL).UTC()}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		return model.SignedURL{}, fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	p.logger.Info("artifact published",
		zap.String(logging.FieldJobID, jobID),
		zap.String(logging.FieldKind, string(kind)),
		zap.String("key", key))
	return signed, nil
}

// cleanup removes partially published objects on a fresh context.
func (p *Publisher) cleanup(jobID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := p.storage.Delete(ctx, key); err != nil {
			p.logger.Warn("failed to remove partial upload",
				zap.String(logging.FieldJobID, jobID),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}
