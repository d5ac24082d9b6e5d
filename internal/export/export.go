// Package export serializes a result collection for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/scribescope/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// CSVFileName is the suggested download name.
const CSVFileName = "scribescope_results.csv"

// URLSeparator joins otherUrls into one field.
const URLSeparator = ", "

// Header is the column order of the CSV export.
var Header = []string{
	"id", "fileName", "thumbnailUrl", "mainSourceUrl", "otherUrls",
	"domain", "author", "license", "notes",
}

// PreviewURLFunc maps a preview handle to the URL written in thumbnailUrl.
type PreviewURLFunc func(handle string) string

// WriteCSV writes results as comma-separated rows with a header line.
// The output depends only on its inputs.
func WriteCSV(w io.Writer, results []models.SearchResult, previewURL PreviewURLFunc) error {
	if previewURL == nil {
		previewURL = func(h string) string { return h }
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	for _, r := range results {
		row := []string{
			r.ID,
			r.FileName,
			previewURL(r.PreviewHandle),
			r.MainSourceURL,
			strings.Join(r.OtherURLs, URLSeparator),
			r.Domain,
			r.Author,
			r.License,
			r.Notes,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row %s: %w", r.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// MarshalMsgpack encodes results for binary clients.
func MarshalMsgpack(results []models.SearchResult) ([]byte, error) {
	if results == nil {
		results = []models.SearchResult{}
	}
	data, err := msgpack.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}
	return data, nil
}
