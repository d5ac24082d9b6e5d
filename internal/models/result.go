package models

import "encoding/json"

// SearchResult is the normalized outcome of one successfully processed file.
type SearchResult struct {
	ID            string   `json:"id" msgpack:"id"`
	FileName      string   `json:"fileName" msgpack:"fileName"`
	PreviewHandle string   `json:"previewHandle" msgpack:"previewHandle"`
	MainSourceURL string   `json:"mainSourceUrl" msgpack:"mainSourceUrl"`
	OtherURLs     []string `json:"otherUrls" msgpack:"otherUrls"`
	Domain        string   `json:"domain" msgpack:"domain"`
	Author        string   `json:"author" msgpack:"author"`
	License       string   `json:"license" msgpack:"license"`
	Notes         string   `json:"notes" msgpack:"notes"`
}

// Clone returns a copy that shares no slices with r.
func (r SearchResult) Clone() SearchResult {
	c := r
	c.OtherURLs = append(make([]string, 0, len(r.OtherURLs)), r.OtherURLs...)
	return c
}

// SearchResponse is the raw body returned by the search endpoint.
// Every field is optional.
type SearchResponse struct {
	MainSourceURL *string  `json:"mainSourceUrl"`
	OtherURLs     []string `json:"otherUrls"`
	Domain        *string  `json:"domain"`
	Author        *string  `json:"author"`
	License       *string  `json:"license"`
	Error         *string  `json:"error"`
}

// ErrorResponse is the optional body of a failed search request. The
// error field is not always a string.
type ErrorResponse struct {
	Error json.RawMessage `json:"error"`
}
