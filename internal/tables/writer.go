package tables

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// SortRows orders rows by forecast hour, member and artifact message.
func SortRows(rows []MessageRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ForecastHour != b.ForecastHour {
			return a.ForecastHour < b.ForecastHour
		}
		if a.Member != b.Member {
			return a.Member < b.Member
		}
		return a.Message < b.Message
	})
}

func codec(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown parquet compression: %s", name)
	}
}

// ToParquet encodes rows as a parquet file.
func ToParquet(rows []MessageRow, cfg ParquetConfig) ([]byte, error) {
	c, err := codec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[MessageRow](&buf, parquet.Compression(c))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// FromParquet decodes rows written by ToParquet.
func FromParquet(data []byte) ([]MessageRow, error) {
	rows, err := parquet.Read[MessageRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows, nil
}

// WriteFile writes rows to path through a temp file and rename.
// It returns the checksum of the written file.
func WriteFile(path string, rows []MessageRow, cfg ParquetConfig) (string, error) {
	data, err := ToParquet(rows, cfg)
	if err != nil {
		return "", err
	}

	tempPath := path + ".tmp." + uuid.New().String()
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("write inventory temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename inventory file: %w", err)
	}

	return ComputeChecksum(data), nil
}

// ReadFile reads an inventory written by WriteFile.
func ReadFile(path string) ([]MessageRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return FromParquet(data)
}

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
