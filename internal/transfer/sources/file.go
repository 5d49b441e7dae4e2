package sources

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

// File copies from a local path or mounted mirror.
type File struct{}

func (File) Copy(ctx context.Context, u *url.URL, dst transfer.Target) error {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	f, err := os.Open(path)
	if err != nil {
		return transfer.Fail(transfer.ErrorFileError, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		dst.SetSize(info.Size())
	}
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: f}); err != nil {
		return readErr(ctx, err, transfer.ErrorFileError)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
