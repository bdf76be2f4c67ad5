package webhook

import (
	"context"

	"github.com/mattjoyce/accession/internal/batchqueue"
)

// BatchQueue is the part of the batch queue a hook needs.
type BatchQueue interface {
	Enqueue(ctx context.Context, preparedDir string) (batchqueue.Handle, error)
}

// Config holds hook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single hook endpoint.
type EndpointConfig struct {
	Path            string
	Secret          string
	SignatureHeader string
	// StagingRoot confines accepted directories; empty accepts any absolute path.
	StagingRoot string
	MaxBodySize int64
}

// TriggerRequest is the signed hook body.
type TriggerRequest struct {
	Dir string `json:"dir"`
}

// TriggerResponse names the batch the hook created.
type TriggerResponse struct {
	Batch string `json:"batch"`
	Dir   string `json:"dir"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 64 * 1024
	DefaultSignatureHeader = "X-Accession-Signature"
)
