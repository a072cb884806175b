package coordinator

import (
	"slices"

	"github.com/youming-ai/parsify-realtime/internal/types"
)

const (
	PermRead   = "read"
	PermUpdate = OpUpdateData
	PermAppend = OpAppendData
	PermClear  = OpClearData
	PermManage = "manage"
)

// defaultPermissions is the fixed permission table keyed by room kind
// and role. Viewers get read only, across all room kinds.
func defaultPermissions(kind types.RoomKind, role types.Role) []string {
	switch role {
	case types.RoleOwner:
		return []string{PermRead, PermUpdate, PermAppend, PermClear, PermManage}
	case types.RoleViewer:
		return []string{PermRead}
	}

	// editor
	switch kind {
	case types.RoomKindChat:
		return []string{PermRead, PermAppend}
	case types.RoomKindWhiteboard:
		return []string{PermRead, PermUpdate, PermAppend, PermClear}
	default: // document, code
		return []string{PermRead, PermUpdate, PermAppend}
	}
}

func hasPermission(p *types.Participant, op string) bool {
	return slices.Contains(p.Permissions, op)
}
