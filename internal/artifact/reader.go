package artifact

import (
	"context"
	"io"
	"sync"
)

// cancelOnClose はClose時にcontextを解放するReadCloser。
// ストリーミング中もFetchTimeoutを有効に保つために使う。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func newCancelOnClose(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
