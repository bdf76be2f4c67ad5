package api

import (
	"github.com/mattjoyce/accession/internal/batchqueue"
)

// EnqueueRequest is the JSON body for POST /batches.
type EnqueueRequest struct {
	// Dir is a prepared batch directory on the server's filesystem.
	Dir string `json:"dir"`
}

// BatchListResponse is returned by GET /batches.
type BatchListResponse struct {
	Area    string              `json:"area"`
	Batches []batchqueue.Handle `json:"batches"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ReadyBatches  int    `json:"ready_batches"`
}
