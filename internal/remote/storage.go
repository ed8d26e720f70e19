package remote

import "context"

// Storage is the capability surface the workflows consume. *Client is the
// production implementation; tests substitute fakes.
type Storage interface {
	// AsUser returns a Storage performing calls on behalf of an account.
	AsUser(accountID string) Storage

	// Accounts.
	ResolveAccountByLogin(ctx context.Context, login string) (*Account, error)
	UpdateAccountStatus(ctx context.Context, accountID, status string) error
	UpdateAccountQuota(ctx context.Context, accountID string, bytes int64) error
	DetachFromEnterprise(ctx context.Context, accountID string) error

	// Folders and items.
	CreateFolder(ctx context.Context, parentID, name string) (*Item, error)
	FindFolderByName(ctx context.Context, parentID, name string) (*Item, error)
	ListFolderItems(ctx context.Context, folderID string, opts ListOptions) ([]Item, error)
	GetItem(ctx context.Context, ref ItemRef) (*Item, error)
	MoveItem(ctx context.Context, ref ItemRef, destFolderID string) ([]byte, error)
	DeleteItem(ctx context.Context, ref ItemRef) error
	ListTrashedItems(ctx context.Context) ([]Item, error)
	PurgeTrashedItem(ctx context.Context, ref ItemRef) error

	// Groups.
	CreateGroup(ctx context.Context, name string) (*Group, error)
	FindGroupByName(ctx context.Context, name string) (*Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
	AddGroupMember(ctx context.Context, groupID, accountID string) error

	// Collaborations.
	ListItemCollaborations(ctx context.Context, ref ItemRef) ([]Collaboration, error)
	CreateCollaboration(ctx context.Context, ref ItemRef, party Party, role string) ([]byte, error)
	UpdateCollaborationRole(ctx context.Context, collaborationID, role string) ([]byte, error)
	RemoveCollaboration(ctx context.Context, collaborationID string) error
}

var _ Storage = (*Client)(nil)
