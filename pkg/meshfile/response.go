package meshfile

import "time"

// TransportKind names the concrete mechanism that executed an operation.
type TransportKind int

const (
	TransportSharedMemory TransportKind = iota + 1
	TransportNetwork
)

func (t TransportKind) String() string {
	switch t {
	case TransportSharedMemory:
		return "shared_memory"
	case TransportNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// FileMetadata describes the region backing a response.
type FileMetadata struct {
	SizeBytes       uint64    `cbor:"size_bytes" json:"size_bytes"`
	CreatedAt       time.Time `cbor:"created_at" json:"created_at"`
	LastAccess      time.Time `cbor:"last_access" json:"last_access"`
	ConnectionCount uint32    `cbor:"connection_count" json:"connection_count"`
	TTLDeadline     time.Time `cbor:"ttl_deadline" json:"ttl_deadline"`
}

// PerformanceProfile is the expected performance envelope the selector
// attached to the chosen transport.
type PerformanceProfile struct {
	ExpectedLatencyUs      float64 `cbor:"expected_latency_us" json:"expected_latency_us"`
	ExpectedThroughputMbps float64 `cbor:"expected_throughput_mbps" json:"expected_throughput_mbps"`
	Confidence             float64 `cbor:"confidence" json:"confidence"`
}

// SecurityContext records the security attributes of the fulfilled request.
type SecurityContext struct {
	// CallerID identifies the authenticated caller.
	CallerID string `cbor:"caller_id" json:"caller_id"`

	// Encrypted reports whether the transport link is encrypted.
	Encrypted bool `cbor:"encrypted" json:"encrypted"`

	// Permissions are the caller's granted permissions on the region.
	Permissions []Permission `cbor:"permissions,omitempty" json:"permissions,omitempty"`
}

// OperationResult is the typed outcome of the executed operation.
// Exactly the fields relevant to the operation kind are populated.
type OperationResult struct {
	Kind OperationKind `cbor:"kind" json:"kind"`

	// BytesWritten is set for Write.
	BytesWritten uint64 `cbor:"bytes_written,omitempty" json:"bytes_written,omitempty"`

	// Data is set for Read.
	Data []byte `cbor:"data,omitempty" json:"data,omitempty"`

	// SizeBytes is set for Create (allocated size), Resize (new size),
	// and GetInfo (current size).
	SizeBytes uint64 `cbor:"size_bytes,omitempty" json:"size_bytes,omitempty"`

	// CreatedAt and ModifiedAt are set for GetInfo when known.
	CreatedAt  time.Time `cbor:"created_at" json:"created_at"`
	ModifiedAt time.Time `cbor:"modified_at" json:"modified_at"`

	// Timestamp is when the operation completed.
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`
}

// SharedFileResponse is the manager's answer to a SharedFileRequest.
type SharedFileResponse struct {
	FileID    FileID        `cbor:"file_id" json:"file_id"`
	FilePath  string        `cbor:"file_path" json:"file_path"`
	Metadata  FileMetadata  `cbor:"metadata" json:"metadata"`
	Transport TransportKind `cbor:"transport" json:"transport"`

	Performance PerformanceProfile `cbor:"performance" json:"performance"`
	Security    SecurityContext    `cbor:"security" json:"security"`

	// Result is the typed outcome of the executed operation.
	Result OperationResult `cbor:"result" json:"result"`
}
