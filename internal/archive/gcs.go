package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const gcsScheme = "gs"

// DefaultUploadTimeout bounds a single object write.
const DefaultUploadTimeout = 2 * time.Minute

// GCSArchiver stores uploads in a Google Cloud Storage bucket.
type GCSArchiver struct {
	client  *storage.Client
	bucket  string
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewGCSArchiver creates a storage client using Application Default
// Credentials. The caller must Close the archiver.
func NewGCSArchiver(ctx context.Context, bucket string, log zerolog.Logger) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, errors.New("NewGCSArchiver: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSArchiver: create storage client: %w", err)
	}
	return NewGCSArchiverWithClient(client, bucket, log), nil
}

// NewGCSArchiverWithClient wraps an existing client. Closing the archiver
// closes the client.
func NewGCSArchiverWithClient(client *storage.Client, bucket string, log zerolog.Logger) *GCSArchiver {
	return &GCSArchiver{
		client:  client,
		bucket:  bucket,
		timeout: DefaultUploadTimeout,
		log:     log,
		now:     time.Now,
	}
}

// Archive writes content under ObjectName and returns its gs:// URI.
func (a *GCSArchiver) Archive(ctx context.Context, tenantID uuid.UUID, fileName string, content []byte) (string, error) {
	objectName := ObjectName(tenantID, fileName, a.now(), uuid.New())

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "text/csv"
	w.Metadata = map[string]string{
		"tenant_id":         tenantID.String(),
		"original_filename": fileName,
	}

	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Archive: write object: %w", err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Archive: finalize upload: %w", err)
	}

	uri := fmt.Sprintf("%s://%s/%s", gcsScheme, a.bucket, objectName)
	a.log.Info().
		Str("tenant_id", tenantID.String()).
		Str("uri", uri).
		Int("bytes", len(content)).
		Msg("Archived upload")
	return uri, nil
}

// Fetch downloads the object behind a gs:// URI.
func (a *GCSArchiver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme, bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	if scheme != gcsScheme {
		return nil, fmt.Errorf("Fetch: unsupported scheme %q", scheme)
	}

	rc, err := a.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("Fetch: %s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

// Close releases the storage client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
