package plane

import (
	"context"
	"io"
	"time"

	"github.com/odvcencio/warden/pkg/fserr"
)

// Stream delivers successive output chunks from a watched path. Next blocks
// until output is available, the target finishes, or the context ends; the
// last two surface as io.EOF.
type Stream struct {
	ctx      context.Context
	poll     func(ctx context.Context) ([]byte, error)
	terminal func(ctx context.Context) (bool, error)
	finished bool
}

// Watch opens a stream over an output path. Only session and exec output
// support watching.
func (p *Plane) Watch(ctx context.Context, path string) (*Stream, error) {
	t, err := resolve(path)
	if err != nil {
		return nil, err
	}
	s := &Stream{ctx: ctx}

	switch t.kind {
	case kindSessionOutput:
		if _, err := p.lookupSession(t.session); err != nil {
			return nil, err
		}
		s.poll = func(ctx context.Context) ([]byte, error) {
			return p.sessionOutput(ctx, t.session)
		}
		s.terminal = func(ctx context.Context) (bool, error) {
			status, err := p.refreshSession(ctx, t.session)
			if err != nil {
				return false, err
			}
			return status.State.Terminal(), nil
		}
	case kindExecOutput:
		if _, err := p.lookupExec(t.session, t.exec); err != nil {
			return nil, err
		}
		s.poll = func(ctx context.Context) ([]byte, error) {
			return p.execOutput(ctx, t.session, t.exec)
		}
		s.terminal = func(ctx context.Context) (bool, error) {
			status, err := p.refreshExec(ctx, t.session, t.exec)
			if err != nil {
				return false, err
			}
			return status.State.Terminal(), nil
		}
	default:
		return nil, fserr.Newf(fserr.CodeInvalidRequest, "%s is not watchable", path)
	}
	return s, nil
}

// Next returns the next output chunk. The terminal check runs through the
// session refresh path, so a watcher observing completion also triggers
// reconciliation.
func (s *Stream) Next() ([]byte, error) {
	if s.finished {
		return nil, io.EOF
	}
	for {
		if s.ctx.Err() != nil {
			s.finished = true
			return nil, io.EOF
		}

		metricWatchPolls.Inc()
		chunk, err := s.poll(s.ctx)
		if err != nil {
			return nil, err
		}
		if len(chunk) > 0 {
			return chunk, nil
		}

		done, err := s.terminal(s.ctx)
		if err != nil {
			return nil, err
		}
		if done {
			// One final poll catches output buffered between the empty poll
			// and the terminal observation.
			if tail, terr := s.poll(s.ctx); terr == nil && len(tail) > 0 {
				s.finished = true
				return tail, nil
			}
			s.finished = true
			return nil, io.EOF
		}

		select {
		case <-s.ctx.Done():
			s.finished = true
			return nil, io.EOF
		case <-time.After(watchBackoff):
		}
	}
}

// Close marks the stream finished. Subsequent Next calls return io.EOF.
func (s *Stream) Close() error {
	s.finished = true
	return nil
}
