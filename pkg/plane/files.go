package plane

import (
	"context"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/provider"
)

func (p *Plane) sessionProvider(sessionID string) (provider.Provider, error) {
	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	return p.router.Get(rec.providerID)
}

// readFile transfers a whole sandbox file. Files beyond the policy size cap
// are refused; callers move to the chunk paths instead.
func (p *Plane) readFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	prov, err := p.sessionProvider(sessionID)
	if err != nil {
		return nil, err
	}
	limit := p.currentPolicy().maxFileSize()
	data, err := prov.ReadFile(ctx, sessionID, path, 0, limit+1)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "reading sandbox file")
	}
	if int64(len(data)) > limit {
		return nil, fserr.Newf(fserr.CodeInvalidRequest,
			"file %q exceeds %d bytes; use chunked transfer", path, limit)
	}
	metricTransferBytes.WithLabelValues("download").Add(float64(len(data)))
	p.log.Debug(logging.CategoryTransfer, "file_read", "",
		map[string]any{"session_id": sessionID, "path": path, "bytes": len(data)})
	return data, nil
}

func (p *Plane) writeFile(ctx context.Context, sessionID, path string, data []byte) error {
	if int64(len(data)) > p.currentPolicy().maxFileSize() {
		return fserr.Newf(fserr.CodeInvalidRequest,
			"write to %q exceeds %d bytes; use chunked transfer", path, p.currentPolicy().maxFileSize())
	}
	prov, err := p.sessionProvider(sessionID)
	if err != nil {
		return err
	}
	if err := prov.WriteFile(ctx, sessionID, path, data, 0); err != nil {
		return fserr.Wrap(err, fserr.CodeProviderFailure, "writing sandbox file")
	}
	metricTransferBytes.WithLabelValues("upload").Add(float64(len(data)))
	p.log.Debug(logging.CategoryTransfer, "file_written", "",
		map[string]any{"session_id": sessionID, "path": path, "bytes": len(data)})
	return nil
}

// chunkCap bounds a single chunk: the fixed chunk size, tightened by the
// policy file size cap when that is smaller.
func (p *Plane) chunkCap() int64 {
	if limit := p.currentPolicy().maxFileSize(); limit < ChunkSize {
		return limit
	}
	return ChunkSize
}

// readChunk reads the fixed-size slice n of a file. A short or empty result
// marks the tail.
func (p *Plane) readChunk(ctx context.Context, sessionID, path string, n int64) ([]byte, error) {
	prov, err := p.sessionProvider(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := prov.ReadFile(ctx, sessionID, path, n*ChunkSize, p.chunkCap())
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "reading file chunk")
	}
	metricTransferBytes.WithLabelValues("download").Add(float64(len(data)))
	return data, nil
}

// writeChunk writes slice n of a file. Oversized chunks are rejected before
// anything reaches the provider.
func (p *Plane) writeChunk(ctx context.Context, sessionID, path string, n int64, data []byte) error {
	if limit := p.chunkCap(); int64(len(data)) > limit {
		return fserr.Newf(fserr.CodeInvalidRequest, "chunk exceeds %d bytes", limit)
	}
	prov, err := p.sessionProvider(sessionID)
	if err != nil {
		return err
	}
	if err := prov.WriteFile(ctx, sessionID, path, data, n*ChunkSize); err != nil {
		return fserr.Wrap(err, fserr.CodeProviderFailure, "writing file chunk")
	}
	metricTransferBytes.WithLabelValues("upload").Add(float64(len(data)))
	return nil
}
