package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

// Azure downloads az://container/blob from the configured account URL. The
// account URL may carry a SAS token; no other credential is used.
type Azure struct {
	accountURL string

	mu     sync.Mutex
	client *azblob.Client
}

// NewAzure creates an az:// source for the given blob service URL.
func NewAzure(accountURL string) *Azure {
	return &Azure{accountURL: accountURL}
}

func (a *Azure) getClient() (*azblob.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	if a.accountURL == "" {
		return nil, errors.New("azure_account_url is not configured")
	}
	client, err := azblob.NewClientWithNoCredential(a.accountURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	a.client = client
	return client, nil
}

func (a *Azure) Copy(ctx context.Context, u *url.URL, dst transfer.Target) error {
	container, blob := bucketAndKey(u.Host, u.Path)
	if container == "" || blob == "" {
		return transfer.Fail(transfer.ErrorUnsupportedSource, fmt.Errorf("az uri %q needs a container and blob", u.String()))
	}

	client, err := a.getClient()
	if err != nil {
		return transfer.Fail(transfer.ErrorUnsupportedSource, err)
	}

	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}
	defer resp.Body.Close()

	if resp.ContentLength != nil {
		dst.SetSize(*resp.ContentLength)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}
	return nil
}
