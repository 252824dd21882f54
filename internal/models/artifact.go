package models

import (
	"strings"

	"github.com/google/uuid"
)

// ArtifactID links an uploaded input to its later processing request.
type ArtifactID string

// NewArtifactID returns a fresh random (v4) identifier.
func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.NewString())
}

func (id ArtifactID) String() string { return string(id) }

// Role tells which scratch directory an artifact lives in.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// OutputSuffix is appended to the id for processed artifacts.
const OutputSuffix = "_processed"

// FileName builds the on-disk name for an artifact of the given role.
// Inputs keep their original extension, outputs get the "_processed" suffix.
func (r Role) FileName(id ArtifactID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	name := string(id)
	if r == RoleOutput {
		name += OutputSuffix
	}
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// UploadRecord describes a stored upload. It lives only as long as the file.
type UploadRecord struct {
	ID             ArtifactID `json:"uploadId"`
	StoredFilename string     `json:"filename"`
	SizeBytes      int64      `json:"size"`
	ContentType    string     `json:"mime"`
}
