// Package codec turns record batches into self-describing compressed
// Parquet objects and back. The Parquet footer carries the schema, row
// count and compression codec, so decoding needs no out-of-band
// knowledge; a sha256 over the encoded bytes guards against corruption.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	pqgzip "github.com/parquet-go/parquet-go/compress/gzip"
	pqzstd "github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"github.com/GaspardMerten/motion-lake-server/internal/types"
)

// Options configures encoding.
type Options struct {
	// Codec is the compression algorithm: gzip, zstd, snappy, lz4, none.
	Codec string
	// Level applies to codecs that support one (gzip 1-9, zstd 1-19).
	Level int
	// ContentType is stamped on every row so an object can be
	// interpreted without the catalog.
	ContentType types.ContentType
}

// DefaultOptions compresses with gzip at its maximum level.
func DefaultOptions() Options {
	return Options{Codec: "gzip", Level: 9}
}

// recordRow is the on-object row layout.
type recordRow struct {
	ID          string `parquet:"id"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	ContentType int32  `parquet:"content_type"`
	Payload     []byte `parquet:"payload"`
}

// Encoded is the result of encoding a batch.
type Encoded struct {
	Data        []byte
	Checksum    string
	RecordCount int64
}

// Encode writes records as a compressed Parquet object.
func Encode(records []types.Record, opts Options) (*Encoded, error) {
	if len(records) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrEncode, "empty batch")
	}

	compression, err := compressionCodec(opts.Codec, opts.Level)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrEncode, "%v", err)
	}

	rows := make([]recordRow, len(records))
	for i := range records {
		rows[i] = recordRow{
			ID:          records[i].ID,
			TimestampMs: records[i].TimestampMs,
			ContentType: int32(opts.ContentType),
			Payload:     records[i].Payload,
		}
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[recordRow](&buf, parquet.Compression(compression))

	if _, err := writer.Write(rows); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrEncode, "writing rows: %v", err)
	}
	if err := writer.Close(); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrEncode, "closing writer: %v", err)
	}

	data := buf.Bytes()
	return &Encoded{
		Data:        data,
		Checksum:    Checksum(data),
		RecordCount: int64(len(records)),
	}, nil
}

// Checksum returns the hex sha256 of the encoded object bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum fails with ErrCorruptData when the bytes do not match
// the expected content checksum.
func VerifyChecksum(data []byte, expected string) error {
	if got := Checksum(data); got != expected {
		return errdefs.Wrapf(errdefs.ErrCorruptData, "checksum mismatch: got %s, want %s", got, expected)
	}
	return nil
}

// Decoder streams records out of one encoded object in row order.
type Decoder struct {
	reader      *parquet.GenericReader[recordRow]
	buf         [1]recordRow
	contentType types.ContentType
}

// NewDecoder opens an encoded object. A truncated or garbled object
// fails here with ErrCorruptData, before any record is produced.
func NewDecoder(data []byte) (*Decoder, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrCorruptData, "opening parquet object: %v", err)
	}
	return &Decoder{reader: parquet.NewGenericReader[recordRow](f)}, nil
}

// Next returns the next record, or io.EOF after the last one. Any other
// error wraps ErrCorruptData.
func (d *Decoder) Next() (types.Record, error) {
	n, err := d.reader.Read(d.buf[:])
	if n == 0 {
		if err == io.EOF || err == nil {
			return types.Record{}, io.EOF
		}
		return types.Record{}, errdefs.Wrapf(errdefs.ErrCorruptData, "reading row: %v", err)
	}
	if err != nil && err != io.EOF {
		return types.Record{}, errdefs.Wrapf(errdefs.ErrCorruptData, "reading row: %v", err)
	}
	row := d.buf[0]
	d.contentType = types.ContentType(row.ContentType)
	return types.Record{
		ID:          row.ID,
		TimestampMs: row.TimestampMs,
		Payload:     row.Payload,
	}, nil
}

// NumRows reports the row count from the object footer.
func (d *Decoder) NumRows() int64 {
	return d.reader.NumRows()
}

// ContentType reports the content type of the most recently read row.
func (d *Decoder) ContentType() types.ContentType {
	return d.contentType
}

func (d *Decoder) Close() error {
	return d.reader.Close()
}

// DecodeAll materializes every record of an encoded object.
func DecodeAll(data []byte) ([]types.Record, error) {
	dec, err := NewDecoder(data)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	records := make([]types.Record, 0, dec.NumRows())
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

func compressionCodec(name string, level int) (compress.Codec, error) {
	switch name {
	case "gzip", "":
		if level == 0 {
			level = 9
		}
		if level < 1 || level > 9 {
			return nil, fmt.Errorf("gzip level %d out of range 1-9", level)
		}
		return &pqgzip.Codec{Level: level}, nil
	case "zstd":
		return &pqzstd.Codec{Level: zstdLevel(level)}, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "lz4":
		return &parquet.Lz4Raw, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}

// zstdLevel maps a numeric zstd level onto the encoder speed tiers.
func zstdLevel(level int) pqzstd.Level {
	switch {
	case level <= 0:
		return pqzstd.SpeedDefault
	case level <= 2:
		return pqzstd.SpeedFastest
	case level <= 5:
		return pqzstd.SpeedDefault
	case level <= 9:
		return pqzstd.SpeedBetterCompression
	default:
		return pqzstd.SpeedBestCompression
	}
}
