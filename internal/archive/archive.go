// Package archive keeps the raw bytes of uploaded files so that ingestion can
// run later, away from the request that received them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Fetch when the object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// Archiver stores and retrieves raw uploads.
type Archiver interface {
	// Archive stores content and returns a URI that Fetch accepts.
	Archive(ctx context.Context, tenantID uuid.UUID, fileName string, content []byte) (string, error)

	// Fetch downloads the bytes behind uri.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// ObjectName builds the object path for an upload:
// uploads/<tenant>/<yyyy>/<mm>/<dd>/<id>-<file name>.
func ObjectName(tenantID uuid.UUID, fileName string, at time.Time, id uuid.UUID) string {
	return path.Join(
		"uploads",
		tenantID.String(),
		at.UTC().Format("2006/01/02"),
		id.String()+"-"+baseName(fileName),
	)
}

// ParseURI splits "<scheme>://bucket/path/to/object" into its parts.
func ParseURI(uri string) (scheme, bucket, object string, err error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return "", "", "", fmt.Errorf("invalid archive URI: %s", uri)
	}

	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", "", fmt.Errorf("invalid archive URI (no object path): %s", uri)
	}
	return scheme, bucket, object, nil
}

// FileName returns the original file name encoded in an archive URI.
// e.g., "gs://bucket/uploads/t/2024/01/02/<uuid>-sales.csv" → "sales.csv"
func FileName(uri string) string {
	_, _, object, err := ParseURI(uri)
	if err != nil {
		return path.Base(uri)
	}

	name := path.Base(object)
	// Strip the "<uuid>-" prefix added by ObjectName.
	if len(name) > 37 && name[36] == '-' {
		if _, err := uuid.Parse(name[:36]); err == nil {
			return name[37:]
		}
	}
	return name
}

func baseName(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" {
		return "upload"
	}
	return name
}
