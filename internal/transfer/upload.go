package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/svcfields"
)

// Upload method names.
const (
	MethodUpload           = "upload"
	MethodUploadCompressed = "uploadCompressed"
)

// Request describes content to store at Path.
type Request struct {
	Path     string
	Type     api.ResourceType
	MimeType string
	Content  api.Content
	Created  time.Time
	Modified time.Time
}

// Uploader pushes content in chunks and finalizes it once every chunk was
// acknowledged.
type Uploader struct {
	logger     pslog.Logger
	maxChunk   int
	negotiator *Negotiator
	tracer     trace.Tracer
	metrics    *transferMetrics
}

// NewUploader returns an uploader.
func NewUploader(opts ...Option) *Uploader {
	s := buildSettings(opts)
	logger := svcfields.WithSubsystem(s.logger, "client.remote.transfer")
	neg := s.negotiator
	if neg == nil {
		neg = NewNegotiator(s.logger)
	}
	return &Uploader{
		logger:     logger,
		maxChunk:   s.maxChunk,
		negotiator: neg,
		tracer:     tracer(),
		metrics:    sharedMetrics(logger),
	}
}

// Negotiator exposes the finalize negotiator.
func (u *Uploader) Negotiator() *Negotiator { return u.negotiator }

// Upload sends req.Content to endpoint through caller.
func (u *Uploader) Upload(ctx context.Context, caller rpc.Caller, endpoint string, req Request) error {
	id := xid.New().String()
	ctx, span := u.tracer.Start(ctx, "xmldb.transfer.upload", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("xmldb.transfer.session", id),
		attribute.String("xmldb.transfer.path", req.Path),
	)
	logger := u.logger.With("transfer_id", id, svcfields.PathKey, req.Path)
	begin := time.Now()

	chunks, sent, mode, err := u.upload(ctx, caller, endpoint, req)
	u.metrics.recordTransfer(ctx, "upload", chunks, sent, time.Since(begin), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload_failed")
		logger.Debug("transfer.upload.error", "chunks", chunks, "error", err)
		if api.IsDomain(err) {
			return err
		}
		return rpc.Classify("upload", req.Path, err)
	}
	u.metrics.recordFinalize(ctx, mode)
	span.SetStatus(codes.Ok, "")
	logger.Debug("transfer.upload.complete",
		"chunks", chunks,
		"size", humanize.IBytes(uint64(sent)),
		"finalize", mode.String(),
		"elapsed", time.Since(begin),
	)
	return nil
}

func (u *Uploader) upload(ctx context.Context, caller rpc.Caller, endpoint string, req Request) (int, int64, FinalizeSupport, error) {
	rc, length, err := req.Content.Open()
	if err != nil {
		return 0, 0, FinalizeUnknown, err
	}
	defer rc.Close()

	size := u.maxChunk
	if length >= 0 && length < int64(size) {
		size = int(length)
	}
	if size < 1 {
		size = 1
	}
	buf := make([]byte, size)
	var (
		fileName string
		chunks   int
		sent     int64
	)
	for {
		n, rerr := io.ReadFull(rc, buf)
		last := false
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			last = true
		default:
			return chunks, sent, FinalizeUnknown, api.Vendor("upload", req.Path, fmt.Errorf("read content: %w", rerr))
		}
		if n > 0 || chunks == 0 {
			fileName, err = u.sendChunk(ctx, caller, fileName, buf[:n])
			if err != nil {
				return chunks, sent, FinalizeUnknown, err
			}
			chunks++
			sent += int64(n)
		}
		if last {
			break
		}
	}
	mime := req.MimeType
	if mime == "" {
		mime = req.Type.DefaultMimeType()
	}
	mode, err := u.negotiator.Finalize(ctx, caller, endpoint, FinalizeRequest{
		FileName: fileName,
		Path:     req.Path,
		MimeType: mime,
		IsXML:    req.Type != api.BinaryResource,
		Created:  req.Created,
		Modified: req.Modified,
	})
	return chunks, sent, mode, err
}

// sendChunk uploads one chunk and returns the server-side temp file name.
func (u *Uploader) sendChunk(ctx context.Context, caller rpc.Caller, fileName string, data []byte) (string, error) {
	method := MethodUpload
	payload := append([]byte(nil), data...)
	if len(data) >= CompressThreshold {
		method = MethodUploadCompressed
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		if _, err := zw.Write(data); err != nil {
			return "", fmt.Errorf("deflate: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("deflate: %w", err)
		}
		payload = zbuf.Bytes()
	}
	params := make([]any, 0, 3)
	if fileName != "" {
		params = append(params, fileName)
	}
	params = append(params, payload, len(data))
	res, err := caller.Call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	name, err := rpc.AsString(res)
	if err != nil {
		return "", fmt.Errorf("%s reply: %w", method, err)
	}
	if name == "" {
		return "", fmt.Errorf("%s: server returned no file name", method)
	}
	return name, nil
}
