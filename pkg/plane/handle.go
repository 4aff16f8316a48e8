package plane

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/odvcencio/warden/pkg/fserr"
)

// maxControlWrite bounds writes to control files. File and chunk writes carry
// their own limits.
const maxControlWrite = 1 << 20

// Handle is one open virtual file. Reads snapshot the target on the first
// Read; writes buffer and commit on Close, or on the first Read after a write
// for request files whose response is read back through the same handle.
type Handle struct {
	plane  *Plane
	ctx    context.Context
	path   string
	target target

	mu        sync.Mutex
	readFn    func(ctx context.Context) ([]byte, error)
	commitFn  func(ctx context.Context, data []byte) ([]byte, error)
	writeCap  int64
	buf       []byte
	dirty     bool
	committed bool
	snapshot  []byte
	snapped   bool
	off       int
	closed    bool
}

// Path returns the virtual path this handle addresses.
func (h *Handle) Path() string { return h.path }

// Read implements io.Reader over the target snapshot. A pending write is
// committed first and its response becomes the snapshot.
func (h *Handle) Read(out []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fserr.Newf(fserr.CodeInvalidRequest, "read on closed handle %s", h.path)
	}

	if !h.snapped {
		data, err := h.materialize()
		if err != nil {
			return 0, err
		}
		h.snapshot = data
		h.snapped = true
	}
	if h.off >= len(h.snapshot) {
		return 0, io.EOF
	}
	n := copy(out, h.snapshot[h.off:])
	h.off += n
	return n, nil
}

func (h *Handle) materialize() ([]byte, error) {
	if h.dirty {
		resp, err := h.commit()
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	if h.readFn == nil {
		return nil, fserr.Newf(fserr.CodePermissionDenied, "%s is not readable", h.path)
	}
	return h.readFn(h.ctx)
}

// Write buffers data. The handle rejects writes past the target's size cap
// before anything reaches a provider.
func (h *Handle) Write(data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fserr.Newf(fserr.CodeInvalidRequest, "write on closed handle %s", h.path)
	}
	if h.commitFn == nil {
		return 0, fserr.Newf(fserr.CodePermissionDenied, "%s is not writable", h.path)
	}
	if h.committed {
		return 0, fserr.Newf(fserr.CodeInvalidRequest, "handle %s already committed", h.path)
	}
	if int64(len(h.buf)+len(data)) > h.writeCap {
		return 0, fserr.Newf(fserr.CodeInvalidRequest, "write to %s exceeds %d bytes", h.path, h.writeCap)
	}
	h.buf = append(h.buf, data...)
	h.dirty = true
	return len(data), nil
}

// Close commits any pending write. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if !h.dirty {
		return nil
	}
	_, err := h.commit()
	return err
}

// commit runs the buffered write exactly once. Caller holds h.mu.
func (h *Handle) commit() ([]byte, error) {
	resp, err := h.commitFn(h.ctx, h.buf)
	h.dirty = false
	h.committed = true
	h.buf = nil
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// bind wires the handle's read and commit functions for its target kind.
func (p *Plane) bind(h *Handle) error {
	h.writeCap = maxControlWrite

	switch h.target.kind {
	case kindNew:
		h.commitFn = func(ctx context.Context, data []byte) ([]byte, error) {
			return p.createSession(ctx, data)
		}
	case kindPolicy:
		h.readFn = func(context.Context) ([]byte, error) { return p.policyJSON() }
		h.commitFn = func(_ context.Context, data []byte) ([]byte, error) {
			return nil, p.replacePolicyJSON(data)
		}
	case kindUsage:
		h.readFn = func(context.Context) ([]byte, error) { return p.usageJSON() }

	case kindAuthStatus:
		h.readFn = p.authStatusJSON
	case kindAuthCredits:
		h.readFn = p.authCreditsJSON
	case kindAuthToken:
		h.commitFn = func(_ context.Context, data []byte) ([]byte, error) {
			return nil, p.installToken(strings.TrimSpace(string(data)))
		}
	case kindAuthChallenge:
		h.readFn = p.authChallengeJSON
		h.commitFn = func(ctx context.Context, data []byte) ([]byte, error) {
			return nil, p.answerChallenge(ctx, strings.TrimSpace(string(data)))
		}

	case kindProviderInfo:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.providerInfoJSON(ctx, h.target.provider) }
	case kindProviderImages:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.providerImagesJSON(ctx, h.target.provider) }
	case kindProviderHealth:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.providerHealthJSON(ctx, h.target.provider) }

	case kindSessionStatus:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.sessionStatusJSON(ctx, h.target.session) }
	case kindSessionResult:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.sessionResultJSON(ctx, h.target.session) }
	case kindSessionUsage:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.sessionUsageJSON(ctx, h.target.session) }
	case kindSessionCtl:
		h.commitFn = func(ctx context.Context, data []byte) ([]byte, error) {
			return nil, p.sessionControl(ctx, h.target.session, strings.TrimSpace(string(data)))
		}
	case kindSessionOutput:
		// Output is stream-only; Watch is the sole access path.
		return fserr.Newf(fserr.CodePermissionDenied, "%s supports streaming only", h.path)

	case kindExecNew:
		h.commitFn = func(ctx context.Context, data []byte) ([]byte, error) {
			return p.createExec(ctx, h.target.session, data)
		}
	case kindExecStatus:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.execStatusJSON(ctx, h.target.session, h.target.exec) }
	case kindExecResult:
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.execResultJSON(ctx, h.target.session, h.target.exec) }
	case kindExecOutput:
		return fserr.Newf(fserr.CodePermissionDenied, "%s supports streaming only", h.path)

	case kindFile:
		h.writeCap = p.currentPolicy().maxFileSize()
		h.readFn = func(ctx context.Context) ([]byte, error) { return p.readFile(ctx, h.target.session, h.target.filePath) }
		h.commitFn = func(ctx context.Context, data []byte) ([]byte, error) {
			return nil, p.writeFile(ctx, h.target.session, h.target.filePath, data)
		}
	case kindChunk:
		h.writeCap = p.chunkCap()
		h.readFn = func(ctx context.Context) ([]byte, error) {
			return p.readChunk(ctx, h.target.session, h.target.filePath, h.target.chunk)
		}
		h.commitFn = func(ctx context.Context, data []byte) ([]byte, error) {
			return nil, p.writeChunk(ctx, h.target.session, h.target.filePath, h.target.chunk, data)
		}

	default:
		return fserr.Newf(fserr.CodeNotFound, "no such path %s", h.path)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeInternal, "encoding response")
	}
	return append(data, '\n'), nil
}
