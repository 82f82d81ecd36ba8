package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/models"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func archivedBook() models.ArchivedBook {
	ob := models.NewOrderBook()
	ob.Asks.Set(decimal.RequireFromString("27300.5"), decimal.RequireFromString("1.25"))
	ob.Asks.Set(decimal.RequireFromString("27301"), decimal.RequireFromString("2"))
	ob.Bids.Set(decimal.RequireFromString("27299"), decimal.RequireFromString("3"))
	return models.ArchivedBook{
		LaunchID:  uuid.MustParse("7f1c2a1e-7d3b-4c55-9b7e-3f7b1b3f9a10"),
		Pair:      models.Pair{ID: uuid.New(), Symbol: "BTC/USDT"},
		Exchange:  models.ExchangeBinance,
		StampID:   42,
		Book:      ob,
		CreatedAt: time.Date(2024, 3, 7, 23, 59, 0, 0, time.UTC),
	}
}

func TestObjectKey(t *testing.T) {
	book := archivedBook()
	want := "raw/exchange=binance/symbol=BTC-USDT/2024/03/07/7f1c2a1e-7d3b-4c55-9b7e-3f7b1b3f9a10_42.parquet"
	if got := ObjectKey("raw", book); got != want {
		t.Fatalf("ObjectKey = %s, want %s", got, want)
	}
	if got := ObjectKey("", book); got != want[len("raw/"):] {
		t.Fatalf("ObjectKey without prefix = %s", got)
	}
}

func TestBuildParquet(t *testing.T) {
	data, rows, err := BuildParquet(archivedBook(), "snappy")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rows != 3 {
		t.Fatalf("expected 3 rows, got %d", rows)
	}
	magic := []byte("PAR1")
	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatalf("output is not a parquet file")
	}
}

func TestArchiveUploads(t *testing.T) {
	putter := &fakePutter{}
	a := newS3Archiver(putter, config.S3Config{Bucket: "books", Prefix: "/raw/", Compression: "gzip"}, "1.0.0")

	if err := a.Archive(context.Background(), archivedBook()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(putter.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(putter.inputs))
	}
	in := putter.inputs[0]
	if aws.ToString(in.Bucket) != "books" || aws.ToString(in.Key) != ObjectKey("raw", archivedBook()) {
		t.Fatalf("unexpected target %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if in.Metadata["depthwatch-version"] != "1.0.0" || in.Metadata["compression"] != "gzip" {
		t.Fatalf("unexpected metadata %v", in.Metadata)
	}
	stats := a.Stats()
	if stats.Objects != 1 || stats.Bytes != int64(len(putter.bodies[0])) || stats.Rows == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestArchiveSkipsEmptyBookAndCountsErrors(t *testing.T) {
	putter := &fakePutter{}
	a := newS3Archiver(putter, config.S3Config{Bucket: "books"}, "dev")

	empty := archivedBook()
	empty.Book = models.NewOrderBook()
	if err := a.Archive(context.Background(), empty); err != nil {
		t.Fatalf("empty book: %v", err)
	}
	if len(putter.inputs) != 0 || a.Stats().Skipped != 1 {
		t.Fatalf("empty book must be skipped, not uploaded")
	}

	putter.err = errors.New("access denied")
	if err := a.Archive(context.Background(), archivedBook()); err == nil {
		t.Fatalf("expected upload error")
	}
	if a.Stats().Errors != 1 {
		t.Fatalf("upload failure must be counted")
	}
}
