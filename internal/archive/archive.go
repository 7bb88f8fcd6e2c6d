// Package archive snapshots the latest readings of each signal type to
// R2-compatible object storage as Parquet files.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/parquet-go/parquet-go"

	"github.com/machinedata/signal-accessor/internal/config"
	"github.com/machinedata/signal-accessor/internal/signals"
)

const contentType = "application/vnd.apache.parquet"

// ParquetSignal is the schema of an exported file.
type ParquetSignal struct {
	ID         int64   `parquet:"id"`
	SignalType string  `parquet:"signal_type"`
	Value      float64 `parquet:"value"`
	Timestamp  string  `parquet:"timestamp"`
}

// Fetcher reads the latest readings of a signal type.
type Fetcher interface {
	Fetch(ctx context.Context, signalType string) signals.Result
}

// ObjectStore is the subset of *s3.Client used for uploads.
type ObjectStore interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Observer receives one call per exported signal type.
type Observer interface {
	ObserveExport(signalType, result string)
}

// NewR2Client returns an S3 client for the configured endpoint, or nil when
// export credentials are missing.
func NewR2Client(cfg config.ExportConfig) *s3.Client {
	if !cfg.Enabled() {
		return nil
	}
	endpoint := cfg.Endpoint
	return s3.New(s3.Options{
		BaseEndpoint: &endpoint,
		Region:       "auto",
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})
}

// Result is what happened to one signal type during an export.
type Result string

const (
	Uploaded Result = "uploaded"
	Exists   Result = "exists"
	NoData   Result = "no_data"
	Failed   Result = "failed"
)

// Option configures an Exporter.
type Option func(*Exporter)

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Exporter) { e.observer = o }
}

// Exporter writes one Parquet object per signal type.
type Exporter struct {
	fetcher  Fetcher
	store    ObjectStore
	bucket   string
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

func NewExporter(fetcher Fetcher, store ObjectStore, bucket string, opts ...Option) *Exporter {
	e := &Exporter{
		fetcher: fetcher,
		store:   store,
		bucket:  bucket,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "export")
	return e
}

// Key is the object key for a snapshot of signalType taken at t.
func Key(signalType string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("signals/%s/%04d/%02d/%02d/%02d%02d%02d.parquet",
		url.PathEscape(signalType), t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// Export snapshots each signal type. Every type is attempted; the returned
// error joins the failures.
func (e *Exporter) Export(ctx context.Context, signalTypes []string) (map[string]Result, error) {
	if e.store == nil {
		e.logger.Info("object storage not configured, skipping export")
		return nil, nil
	}

	startTime := time.Now()
	at := e.now()
	results := make(map[string]Result, len(signalTypes))
	var errs []error

	for _, signalType := range signalTypes {
		res, err := e.exportOne(ctx, signalType, at)
		results[signalType] = res
		if e.observer != nil {
			e.observer.ObserveExport(signalType, string(res))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", signalType, err))
		}
	}

	e.logger.Info("export finished", "types", len(signalTypes), "failed", len(errs), "elapsed", time.Since(startTime))
	return results, errors.Join(errs...)
}

func (e *Exporter) exportOne(ctx context.Context, signalType string, at time.Time) (Result, error) {
	key := Key(signalType, at)

	exists, err := e.exists(ctx, key)
	if err != nil {
		return Failed, fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		e.logger.Info("snapshot already exists, skipping", "key", key)
		return Exists, nil
	}

	fetched := e.fetcher.Fetch(ctx, signalType)
	switch fetched.Outcome {
	case signals.UpstreamFailed:
		return Failed, fmt.Errorf("fetch signals: %w", fetched.Err)
	case signals.NoData:
		e.logger.Info("no readings to export", "signal_type", signalType)
		return NoData, nil
	}

	body, err := encode(fetched.Signals)
	if err != nil {
		return Failed, err
	}

	ct := contentType
	_, err = e.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &e.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &ct,
		Metadata: map[string]string{
			"rows":        strconv.Itoa(len(fetched.Signals)),
			"signal-type": signalType,
			"exported-at": at.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return Failed, fmt.Errorf("upload %s: %w", key, err)
	}

	e.logger.Info("snapshot uploaded",
		"key", key,
		"rows", len(fetched.Signals),
		"size_kb", float64(len(body))/1024,
	)
	return Uploaded, nil
}

func (e *Exporter) exists(ctx context.Context, key string) (bool, error) {
	_, err := e.store.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &e.bucket,
		Key:    &key,
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}

func encode(sigs []signals.Signal) ([]byte, error) {
	rows := make([]ParquetSignal, len(sigs))
	for i, s := range sigs {
		rows[i] = ParquetSignal{
			ID:         s.ID,
			SignalType: s.SignalType,
			Value:      s.Value,
			Timestamp:  s.Timestamp.String(),
		}
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[ParquetSignal](&buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
