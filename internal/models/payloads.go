package models

// These structs define the JSON payloads exchanged between the HTTP front
// door and its clients.

// UploadResponse is returned after a successful file upload.
type UploadResponse struct {
	FileID string `json:"file_id"`
}

// ProcessRequest asks for a previously uploaded file to be processed.
type ProcessRequest struct {
	FileID string `json:"file_id"`
}

// ProcessResponse carries the handle of the enqueued job.
type ProcessResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatusResponse reports the state of a job and, once finished, its
// aggregated result.
type JobStatusResponse struct {
	JobID  string            `json:"job_id"`
	Status string            `json:"status"`
	Result *AggregatedResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}
