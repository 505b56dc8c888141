package documents

import (
	"context"
	"io"
	"sync"

	"taxdesk/pkg/types"
)

// Upload is an in-flight document upload. Progress is reported on a
// channel that only ever holds the latest observation and is closed when
// the upload finishes, fails or is cancelled.
type Upload struct {
	progress chan types.UploadProgress
	done     chan struct{}

	once sync.Once
	doc  *types.ChildRecord
	err  error
}

func newUpload() *Upload {
	return &Upload{
		progress: make(chan types.UploadProgress, 1),
		done:     make(chan struct{}),
	}
}

func (u *Upload) Progress() <-chan types.UploadProgress {
	return u.progress
}

// Done is closed once the upload has a result.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the upload finishes and returns the stored document
// record.
func (u *Upload) Wait() (*types.ChildRecord, error) {
	<-u.done
	return u.doc, u.err
}

func (u *Upload) report(p types.UploadProgress) {
	// single sender, so dropping the stale value always makes room
	select {
	case u.progress <- p:
		return
	default:
	}
	select {
	case <-u.progress:
	default:
	}
	select {
	case u.progress <- p:
	default:
	}
}

func (u *Upload) finish(doc *types.ChildRecord, err error) {
	u.once.Do(func() {
		u.doc = doc
		u.err = err
		close(u.progress)
		close(u.done)
	})
}

// progressReader counts bytes as the blob store pulls them and stops
// early if ctx is cancelled or the limit is passed.
type progressReader struct {
	ctx    context.Context
	r      io.Reader
	upload *Upload
	sent   int64
	total  int64
	limit  int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		if p.limit > 0 && p.sent > p.limit {
			return n, ErrFileTooLarge
		}
		p.upload.report(types.UploadProgress{BytesSent: p.sent, BytesTotal: p.total})
	}
	return n, err
}
