// Package blob manages revision file storage. It is the only code that
// constructs or consumes storage keys; everything else treats them as opaque.
package blob

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// AllocateKey builds a storage key of the form
// {organizationId}/{projectId}/{documentId}/{uniqueSuffix}.{extension}.
// It only names the object; no bytes move until Put.
func AllocateKey(orgID, projectID, documentID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return orgID + "/" + projectID + "/" + documentID + "/" + uuid.NewString() + ext
}
