package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

// B2 downloads b2://bucket/object from Backblaze.
type B2 struct {
	accountID string
	appKey    string

	mu     sync.Mutex
	client *b2.Client
}

// NewB2 creates a b2:// source.
func NewB2(accountID, appKey string) *B2 {
	return &B2{accountID: accountID, appKey: appKey}
}

func (s *B2) getClient(ctx context.Context) (*b2.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.accountID == "" {
		return nil, errors.New("b2 credentials are not configured")
	}
	client, err := b2.NewClient(ctx, s.accountID, s.appKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *B2) Copy(ctx context.Context, u *url.URL, dst transfer.Target) error {
	bucketName, object := bucketAndKey(u.Host, u.Path)
	if bucketName == "" || object == "" {
		return transfer.Fail(transfer.ErrorUnsupportedSource, fmt.Errorf("b2 uri %q needs a bucket and object", u.String()))
	}

	client, err := s.getClient(ctx)
	if err != nil {
		return transfer.Fail(transfer.ErrorUnsupportedSource, err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}

	obj := bucket.Object(object)
	if attrs, err := obj.Attrs(ctx); err == nil {
		dst.SetSize(attrs.Size)
	} else if b2.IsNotExist(err) {
		return transfer.Fail(404, err)
	}

	r := obj.NewReader(ctx)
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}
	return nil
}
