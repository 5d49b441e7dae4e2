package transfer

import (
	"context"
	"io"
	"net/url"
	"os"
	"sync/atomic"
)

// Source fetches the object behind a URI into a Target. Implementations live
// in the sources package, one per URI scheme.
type Source interface {
	Copy(ctx context.Context, u *url.URL, dst Target) error
}

// Target is where a source writes the artifact. Sources that know the object
// size up front report it with SetSize so progress can be computed. Write
// errors come back as ReasonError with ErrorFileError.
type Target interface {
	io.Writer
	io.WriterAt
	SetSize(n int64)
}

type fileTarget struct {
	f          *os.File
	offset     int64
	size       atomic.Int64
	done       atomic.Int64
	lastPct    atomic.Int32
	onProgress func(done, total int64, pct int)
}

func newFileTarget(f *os.File, onProgress func(done, total int64, pct int)) *fileTarget {
	t := &fileTarget{f: f, onProgress: onProgress}
	t.size.Store(-1)
	t.lastPct.Store(-2)
	return t
}

func (t *fileTarget) SetSize(n int64) {
	if n > 0 {
		t.size.Store(n)
	}
}

// Write appends sequentially. Mixing Write and WriteAt on one target is not
// supported.
func (t *fileTarget) Write(p []byte) (int, error) {
	n, err := t.f.WriteAt(p, t.offset)
	t.offset += int64(n)
	t.advance(n)
	if err != nil {
		return n, Fail(ErrorFileError, err)
	}
	return n, nil
}

func (t *fileTarget) WriteAt(p []byte, off int64) (int, error) {
	n, err := t.f.WriteAt(p, off)
	t.advance(n)
	if err != nil {
		return n, Fail(ErrorFileError, err)
	}
	return n, nil
}

func (t *fileTarget) advance(n int) {
	done := t.done.Add(int64(n))
	total := t.size.Load()
	pct := -1
	if total > 0 {
		pct = int(done * 100 / total)
		if pct > 100 {
			pct = 100
		}
	}
	for {
		last := t.lastPct.Load()
		if int32(pct) == last {
			return
		}
		if t.lastPct.CompareAndSwap(last, int32(pct)) {
			break
		}
	}
	if t.onProgress != nil {
		t.onProgress(done, total, pct)
	}
}

func (t *fileTarget) written() int64 {
	return t.done.Load()
}
