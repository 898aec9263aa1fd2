package transfer

import (
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
	"pkt.systems/xmldb/internal/spool"
	"pkt.systems/xmldb/internal/svcfields"
)

// Downloader fetches content through chunked sessions.
type Downloader struct {
	logger     pslog.Logger
	bufferSize int64
	tracer     trace.Tracer
	metrics    *transferMetrics
}

// NewDownloader returns a downloader.
func NewDownloader(opts ...Option) *Downloader {
	s := buildSettings(opts)
	logger := svcfields.WithSubsystem(s.logger, "client.remote.transfer")
	return &Downloader{
		logger:     logger,
		bufferSize: s.bufferSize,
		tracer:     tracer(),
		metrics:    sharedMetrics(logger),
	}
}

// Download drains src into a spool and, when sink is non-nil, into sink as
// bytes arrive. Compressed sessions are inflated through one zlib stream. On
// failure the spool is discarded and a vendor error naming the source is
// returned.
func (d *Downloader) Download(ctx context.Context, caller rpc.Caller, src Source, props api.Properties, sink io.Writer) (*spool.Spool, error) {
	id := xid.New().String()
	label := src.label()
	ctx, span := d.tracer.Start(ctx, "xmldb.transfer.download", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("xmldb.transfer.session", id),
		attribute.String("xmldb.transfer.source", label),
	)
	logger := d.logger.With("transfer_id", id, svcfields.PathKey, label)
	begin := time.Now()

	sp, chunks, err := d.download(ctx, caller, src, props, sink)
	d.metrics.recordTransfer(ctx, "download", chunks, sizeOf(sp), time.Since(begin), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download_failed")
		logger.Debug("transfer.download.error", "chunks", chunks, "error", err)
		return nil, rpc.Classify("download", label, err)
	}
	span.SetStatus(codes.Ok, "")
	logger.Debug("transfer.download.complete",
		"chunks", chunks,
		"size", humanize.IBytes(uint64(sp.Size())),
		"spilled", sp.Spilled(),
		"elapsed", time.Since(begin),
	)
	return sp, nil
}

func (d *Downloader) download(ctx context.Context, caller rpc.Caller, src Source, props api.Properties, sink io.Writer) (*spool.Spool, int, error) {
	wire := map[string]string(props.Clone())
	sess, err := Open(ctx, caller, src, wire)
	if err != nil {
		return nil, 0, err
	}
	defer sess.Close()

	sp := spool.New(props.InMemoryBufferSize(d.bufferSize))
	var out io.Writer = sp
	if sink != nil {
		out = io.MultiWriter(sp, sink)
	}
	var in io.Reader = &reader{ctx: ctx, s: sess}
	if sess.Compressed() {
		zr, err := zlib.NewReader(in)
		if err != nil {
			_ = sp.Close()
			return nil, sess.Chunks(), fmt.Errorf("inflate: %w", err)
		}
		defer zr.Close()
		in = zr
	}
	scratch := make([]byte, scratchSize)
	if _, err := io.CopyBuffer(onlyWriter{out}, onlyReader{in}, scratch); err != nil {
		_ = sp.Close()
		return nil, sess.Chunks(), err
	}
	// A zlib stream may end before the last chunk is consumed; drain the
	// session so the server sees every chunk requested.
	for {
		if _, err := sess.Next(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = sp.Close()
			return nil, sess.Chunks(), err
		}
	}
	return sp, sess.Chunks(), nil
}

// onlyReader and onlyWriter hide ReaderFrom/WriterTo so io.CopyBuffer always
// goes through the fixed scratch buffer.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }

func sizeOf(sp *spool.Spool) int64 {
	if sp == nil {
		return 0
	}
	return sp.Size()
}
