package manager

import "github.com/marmos91/meshfile/pkg/meshfile"

// policyAction is the outcome of the creation/existence decision table.
type policyAction int

const (
	actionCreate policyAction = iota + 1
	actionConnect
)

// resolvePolicy resolves (existence policy × creation policy × registry
// state) into create, connect, or a rejection. The table is total: every
// combination of the three inputs maps to exactly one outcome.
func resolvePolicy(creation meshfile.CreationPolicy, existence meshfile.ExistencePolicy, exists bool) (policyAction, error) {
	switch existence {
	case meshfile.CreateOnly:
		if exists {
			return 0, meshfile.NewError(meshfile.KindAlreadyExists, "region already exists")
		}
		if creation == meshfile.NeverCreate {
			return 0, meshfile.NewError(meshfile.KindPolicyViolation, "creation policy forbids creating the region")
		}
		return actionCreate, nil

	case meshfile.ConnectOnly, meshfile.MustExist:
		if !exists {
			return 0, meshfile.NewError(meshfile.KindNotFound, "region does not exist")
		}
		return actionConnect, nil

	case meshfile.CreateOrConnect:
		if exists {
			return actionConnect, nil
		}
		if creation == meshfile.NeverCreate {
			return 0, meshfile.NewError(meshfile.KindPolicyViolation, "creation policy forbids creating the region")
		}
		return actionCreate, nil

	default:
		return 0, meshfile.Errorf(meshfile.KindInvalidRequest, "unknown existence policy %d", existence)
	}
}
