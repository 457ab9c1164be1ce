package runtime

import (
	"context"
	"errors"

	"github.com/tcmartin/runstream/pkg/utils"
)

// ErrCredentialNotFound is returned when a workspace has no credential with the requested id
var ErrCredentialNotFound = errors.New("credential not found")

// SharedWorkspace keys credentials visible to every workspace
const SharedWorkspace = "*"

// StaticCredentials resolves credentials from a table keyed by workspace id, then credential id
type StaticCredentials map[string]map[string]utils.Credential

// Resolve looks in the workspace's own table first, then the shared one
func (s StaticCredentials) Resolve(ctx context.Context, workspaceID, credentialID string) (utils.Credential, error) {
	if cred, ok := s[workspaceID][credentialID]; ok {
		return cred, nil
	}
	if cred, ok := s[SharedWorkspace][credentialID]; ok {
		return cred, nil
	}
	return utils.Credential{}, ErrCredentialNotFound
}
