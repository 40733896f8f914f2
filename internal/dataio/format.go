package dataio

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies a supported dataset file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Detect picks the format from the file extension.
func Detect(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("dataio: unsupported file format %q (want .csv or .json)", filepath.Ext(path))
	}
}
