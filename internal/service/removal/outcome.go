package removal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Kind classifies the result of one call to the removal service.
type Kind int

const (
	Success Kind = iota
	RemoteRejected
	RemoteUnreachable
	Timeout
	LocalError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RemoteRejected:
		return "remote_rejected"
	case RemoteUnreachable:
		return "remote_unreachable"
	case Timeout:
		return "timeout"
	case LocalError:
		return "local_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the closed result of RemoveBackground. Only one of the fields
// beyond Kind is meaningful for a given kind:
//   - Success: Body, ContentType, ContentLength (-1 when unknown)
//   - RemoteRejected: StatusCode, Message
//   - RemoteUnreachable, Timeout, LocalError: Err
//
// A successful outcome must be closed.
type Outcome struct {
	Kind          Kind
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	StatusCode    int
	Message       string
	Err           error
}

// Close releases the response body and the timeout attached to it.
func (o Outcome) Close() error {
	if o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// StreamError is returned by a Success body when reading the remote response
// fails part way through.
type StreamError struct {
	Kind Kind
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read processed image (%s): %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// classify decides what a transport error means. ctx is the per-call context
// carrying the timeout, parent is the caller's context.
func classify(parent, ctx context.Context, err error) Kind {
	if parent.Err() != nil {
		return LocalError
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return LocalError
	}
	return RemoteUnreachable
}

// responseBody streams the remote response lazily and tears down the
// per-call context once the caller is done with it.
type responseBody struct {
	rc     io.ReadCloser
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, &StreamError{Kind: classify(b.parent, b.ctx, err), Err: err}
	}
	return n, err
}

func (b *responseBody) Close() error {
	err := b.rc.Close()
	b.once.Do(b.cancel)
	return err
}
