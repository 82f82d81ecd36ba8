package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// ParquetRecord is one price level of an archived book. Prices and
// quantities keep their exact decimal text.
type ParquetRecord struct {
	Exchange  string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	LaunchID  string `parquet:"name=launch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	StampID   int64  `parquet:"name=stamp_id, type=INT64"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity  string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     int32  `parquet:"name=level, type=INT32"`
}

// memoryFileWriter implements source.ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek is never needed while writing; it reports the current size.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver backs up raw order books as parquet objects.
type S3Archiver struct {
	client      objectPutter
	bucket      string
	prefix      string
	compression string
	version     string

	mu    sync.Mutex
	stats metrics.ArchiveStats
	log   *logger.Log
}

// NewS3Archiver loads AWS configuration, static keys first, and builds the
// S3 client honoring a custom endpoint and path style addressing.
func NewS3Archiver(ctx context.Context, cfg config.S3Config, version string) (*S3Archiver, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 archiver initialized")

	return newS3Archiver(client, cfg, version), nil
}

func newS3Archiver(client objectPutter, cfg config.S3Config, version string) *S3Archiver {
	return &S3Archiver{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		compression: cfg.Compression,
		version:     version,
		log:         logger.GetLogger(),
	}
}

// Archive writes the book as one parquet object.
func (a *S3Archiver) Archive(ctx context.Context, book models.ArchivedBook) error {
	key := ObjectKey(a.prefix, book)
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"pair":     book.Pair.Symbol,
		"stamp_id": book.StampID,
		"s3_key":   key,
	})

	start := time.Now()
	data, rows, err := BuildParquet(book, a.compression)
	if err != nil {
		a.record(0, 0, err)
		return fmt.Errorf("build parquet for stamp %d: %w", book.StampID, err)
	}
	if rows == 0 {
		a.mu.Lock()
		a.stats.Skipped++
		a.mu.Unlock()
		log.Debug("book has no levels, skipping")
		return nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        a.compression,
			"depthwatch-version": a.version,
		},
	})
	if err != nil {
		a.record(0, 0, err)
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.bucket, err)
	}
	a.record(len(data), rows, nil)

	logger.LogPerformanceEntry(log, "archiver", "archive_book", time.Since(start), logger.Fields{
		"rows":      rows,
		"file_size": len(data),
	})
	return nil
}

func (a *S3Archiver) record(size, rows int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.stats.Errors++
		return
	}
	a.stats.Objects++
	a.stats.Bytes += int64(size)
	a.stats.Rows += int64(rows)
}

func (a *S3Archiver) Stats() metrics.ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ReportMetrics emits the archiver counters every interval until ctx is done.
func (a *S3Archiver) ReportMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportArchive(a.log, a.Stats())
		}
	}
}

// ObjectKey partitions objects by exchange, symbol and UTC day:
// [prefix/]exchange=<x>/symbol=<s>/<yyyy>/<mm>/<dd>/<launch>_<stamp>.parquet.
// Slashes in the symbol are replaced so it stays one path segment.
func ObjectKey(prefix string, book models.ArchivedBook) string {
	ts := book.CreatedAt.UTC()
	symbol := strings.NewReplacer("/", "-", " ", "").Replace(book.Pair.Symbol)
	parts := []string{
		fmt.Sprintf("exchange=%s", strings.ToLower(string(book.Exchange))),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%s_%d.parquet", book.LaunchID, book.StampID),
	}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}

// BuildParquet flattens both sides, best level first, into parquet rows.
func BuildParquet(book models.ArchivedBook, compression string) ([]byte, int, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	var rows int
	if book.Book != nil {
		sides := []struct {
			name   string
			levels []models.Level
		}{
			{"ask", book.Book.Asks.Ascending()},
			{"bid", book.Book.Bids.Descending()},
		}
		for _, side := range sides {
			for i, l := range side.levels {
				rec := ParquetRecord{
					Exchange:  string(book.Exchange),
					Symbol:    book.Pair.Symbol,
					LaunchID:  book.LaunchID.String(),
					StampID:   book.StampID,
					Timestamp: book.CreatedAt.UnixMilli(),
					Side:      side.name,
					Price:     l.Price.String(),
					Quantity:  l.Quantity.String(),
					Level:     int32(i + 1),
				}
				if err := pw.Write(rec); err != nil {
					_ = pw.WriteStop()
					return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
				}
				rows++
			}
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), rows, nil
}
