package manager

import "github.com/marmos91/meshfile/pkg/meshfile"

// validateRequest rejects syntactically invalid requests before any
// state is touched.
func validateRequest(req *meshfile.SharedFileRequest) error {
	if req == nil {
		return meshfile.NewError(meshfile.KindInvalidRequest, "request is nil")
	}
	if req.Identifier == "" {
		return meshfile.NewError(meshfile.KindInvalidRequest, "identifier must not be empty")
	}

	// Contradictory directionality and connection side.
	if req.Directionality == meshfile.ReadOnly && req.ConnectionSide == meshfile.Producer {
		return meshfile.NewError(meshfile.KindInvalidRequest, "a read-only connection cannot be a producer")
	}
	if req.Directionality == meshfile.WriteOnly && req.ConnectionSide == meshfile.Consumer {
		return meshfile.NewError(meshfile.KindInvalidRequest, "a write-only connection cannot be a consumer")
	}

	if req.MaxSizeBytes != nil && *req.MaxSizeBytes == 0 {
		return meshfile.NewError(meshfile.KindInvalidRequest, "max_size_bytes must be positive when set")
	}
	if req.TTLSeconds != nil && *req.TTLSeconds == 0 {
		return meshfile.NewError(meshfile.KindInvalidRequest, "ttl_seconds must be positive when set")
	}
	if req.MaxConnections != nil && *req.MaxConnections == 0 {
		return meshfile.NewError(meshfile.KindInvalidRequest, "max_connections must be positive when set")
	}

	// Operation-specific shape.
	switch req.Operation.Kind {
	case meshfile.OpCreate:
		if req.Operation.Size == 0 {
			return meshfile.NewError(meshfile.KindInvalidRequest, "create requires a positive size")
		}
		if uint64(len(req.Operation.InitialData)) > req.Operation.Size {
			return meshfile.NewError(meshfile.KindInvalidRequest, "initial data exceeds the requested size")
		}
	case meshfile.OpResize:
		if req.Operation.NewSize == 0 {
			return meshfile.NewError(meshfile.KindInvalidRequest, "resize requires a positive new size")
		}
	case meshfile.OpWrite:
		if len(req.Operation.Data) == 0 {
			return meshfile.NewError(meshfile.KindInvalidRequest, "write requires data")
		}
	case meshfile.OpRead, meshfile.OpDelete, meshfile.OpGetInfo:
		// No extra shape requirements.
	default:
		return meshfile.Errorf(meshfile.KindInvalidRequest, "unknown operation %d", req.Operation.Kind)
	}

	// Write-shaped operations are incompatible with read-only
	// directionality, and vice versa.
	switch req.Operation.Kind {
	case meshfile.OpWrite, meshfile.OpResize:
		if req.Directionality == meshfile.ReadOnly {
			return meshfile.NewError(meshfile.KindInvalidRequest, "mutating operation on a read-only connection")
		}
	case meshfile.OpRead:
		if req.Directionality == meshfile.WriteOnly {
			return meshfile.NewError(meshfile.KindInvalidRequest, "read operation on a write-only connection")
		}
	}

	return nil
}
