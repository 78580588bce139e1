package models

import (
	"time"
)

// Commands accepted on the inbound registration channel.
const (
	CommandCreate   = "doc_create"
	CommandRegister = "doc_register"
)

// StatusRegistered is the status every request record starts with.
const StatusRegistered = "doc_registered"

// StatusPrinted marks status documents whose artifacts may land after the status file.
const StatusPrinted = "PP"

// ClientConfiguration describes where a client's notifications go.
type ClientConfiguration struct {
	ClientID        string `json:"client_id"`
	Enabled         bool   `json:"enabled"`
	ServiceEndpoint string `json:"service_endpoint"`
	Exchange        string `json:"exchange"`
	RoutingKey      string `json:"routing_key"`
}

// Request is an inbound registration message.
type Request struct {
	Command       string     `json:"command"`
	BatchID       string     `json:"batchId,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	ClientID      string     `json:"clientId"`
	Documents     []Document `json:"documents"`
	Payload       string     `json:"payload,omitempty"`
}

// Batched reports whether the request carries a batch id.
func (r Request) Batched() bool {
	return r.BatchID != ""
}

type Document struct {
	RequestID    string `json:"requestId"`
	FileID       int64  `json:"fileId"`
	DocumentType string `json:"documentType"`
}

// RequestRecord is a persisted request row.
type RequestRecord struct {
	RequestID         string     `json:"request_id"`
	BatchID           *string    `json:"batch_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	FileID            int64      `json:"file_id"`
	DocumentType      string     `json:"document_type"`
	Command           string     `json:"command"`
	ClientID          string     `json:"client_id"`
	Status            string     `json:"status"`
	StatusGeneratedAt *time.Time `json:"status_generated_at,omitempty"`
	ArtifactID        *string    `json:"artifact_id,omitempty"`
	ArtifactCreatedAt *time.Time `json:"artifact_created_at,omitempty"`
}

// StatusEvent is a status reported by the production system for one request.
type StatusEvent struct {
	RequestID   string
	StatusCode  string
	Message     string
	GeneratedAt time.Time
}

// StatusEventRecord is one persisted entry of a request's status history.
type StatusEventRecord struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	StatusCode  string    `json:"status_code"`
	Message     string    `json:"message,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	CreatedAt   time.Time `json:"created_at"`
	FilePath    *string   `json:"file_path,omitempty"`
}

// Routing is what the status pipeline needs to know about a registered file id.
type Routing struct {
	RequestID  string
	ClientID   string
	Exchange   string
	RoutingKey string
}

// ParkedMessage is a message archived after exhausting retries.
type ParkedMessage struct {
	ID                 string            `json:"id"`
	MessageID          string            `json:"message_id"`
	CreatedAt          time.Time         `json:"created_at"`
	OriginalExchange   string            `json:"original_exchange"`
	OriginalRoutingKey string            `json:"original_routing_key"`
	ContentType        string            `json:"content_type,omitempty"`
	Payload            []byte            `json:"payload"`
	Headers            map[string]string `json:"headers"`
}

// StatusFileError records a status file that could not be processed.
type StatusFileError struct {
	ID        int64     `json:"id"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"file_path"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is the outbound status message body.
type Notification struct {
	RequestID         string     `json:"request_id"`
	StatusCode        string     `json:"status_code"`
	Message           string     `json:"message,omitempty"`
	StatusCreatedAt   time.Time  `json:"status_created_at"`
	DocumentID        string     `json:"document_id,omitempty"`
	DocumentCreatedAt *time.Time `json:"document_created_at,omitempty"`
}
