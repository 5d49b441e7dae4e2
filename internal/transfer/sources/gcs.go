package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

// GCS downloads gs://bucket/object. Without a credentials file the default
// application credentials are used.
type GCS struct {
	credentialsFile string

	mu     sync.Mutex
	client *storage.Client
}

// NewGCS creates a gs:// source.
func NewGCS(credentialsFile string) *GCS {
	return &GCS{credentialsFile: credentialsFile}
}

func (g *GCS) getClient(ctx context.Context) (*storage.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	var opts []option.ClientOption
	if g.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *GCS) Copy(ctx context.Context, u *url.URL, dst transfer.Target) error {
	bucket, object := bucketAndKey(u.Host, u.Path)
	if bucket == "" || object == "" {
		return transfer.Fail(transfer.ErrorUnsupportedSource, fmt.Errorf("gs uri %q needs a bucket and object", u.String()))
	}

	client, err := g.getClient(ctx)
	if err != nil {
		return transfer.Fail(transfer.ErrorUnknown, err)
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return transfer.Fail(404, err)
		}
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}
	defer r.Close()

	dst.SetSize(r.Attrs.Size)
	if _, err := io.Copy(dst, r); err != nil {
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}
	return nil
}
