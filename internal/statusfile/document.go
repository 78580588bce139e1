package statusfile

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"document-bridge/internal/models"
)

// Document is a parsed status file.
type Document struct {
	Status    string
	Message   string
	Timestamp time.Time
	FileIDs   []int64
}

type xmlDocument struct {
	XMLName   xml.Name `xml:"StatusDocument"`
	Status    string   `xml:"Status"`
	Message   string   `xml:"Message"`
	Timestamp string   `xml:"Timestamp"`
	PrintFile struct {
		Requests []struct {
			RequestID string `xml:"RequestId"`
		} `xml:"Request"`
	} `xml:"PrintFile"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ReadDocument parses the status file at path.
func ReadDocument(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read status file: %w", err)
	}
	return ParseDocument(raw)
}

// ParseDocument decodes and validates a status document. Timestamps without a
// zone are taken as UTC.
func ParseDocument(raw []byte) (Document, error) {
	var x xmlDocument
	if err := xml.Unmarshal(raw, &x); err != nil {
		return Document{}, models.Validationf("malformed status document: %v", err)
	}

	doc := Document{
		Status:  strings.TrimSpace(x.Status),
		Message: strings.TrimSpace(x.Message),
	}
	if doc.Status == "" {
		return Document{}, models.Validationf("status document has no status")
	}

	ts, err := parseTimestamp(strings.TrimSpace(x.Timestamp))
	if err != nil {
		return Document{}, err
	}
	doc.Timestamp = ts

	if len(x.PrintFile.Requests) == 0 {
		return Document{}, models.Validationf("status document lists no requests")
	}
	for _, r := range x.PrintFile.Requests {
		id, err := strconv.ParseInt(strings.TrimSpace(r.RequestID), 10, 64)
		if err != nil {
			return Document{}, models.Validationf("invalid request id %q", r.RequestID)
		}
		doc.FileIDs = append(doc.FileIDs, id)
	}
	return doc, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, models.Validationf("status document has no timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, models.Validationf("invalid timestamp %q", v)
}
