package types

// DirRole names the part a storage directory plays in the pipeline
type DirRole string

const (
	DirRoleIncoming  DirRole = "incoming"  // Staging area written by ingestion
	DirRoleProcessed DirRole = "processed" // Relocation target laid out by the naming scheme
)

// String returns the string representation of DirRole
func (r DirRole) String() string {
	return string(r)
}

// StorageDirRoles returns every directory role storage owns, in lock order
func StorageDirRoles() []DirRole {
	return []DirRole{
		DirRoleIncoming,
		DirRoleProcessed,
	}
}
