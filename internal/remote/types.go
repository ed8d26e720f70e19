package remote

import "fmt"

// ItemKind tags an item as a file or a folder. The two kinds live under
// different API endpoints; all routing goes through endpoint() so no
// caller ever compares type strings.
type ItemKind int

const (
	File ItemKind = iota
	Folder
)

// ParseItemKind converts the wire representation ("file"|"folder").
func ParseItemKind(s string) (ItemKind, error) {
	switch s {
	case "file":
		return File, nil
	case "folder":
		return Folder, nil
	default:
		return File, fmt.Errorf("unknown item type %q", s)
	}
}

func (k ItemKind) String() string {
	if k == Folder {
		return "folder"
	}
	return "file"
}

// endpoint returns the API path segment for this kind.
func (k ItemKind) endpoint() string {
	if k == Folder {
		return "folders"
	}
	return "files"
}

// ItemRef binds an item identifier to its kind.
type ItemRef struct {
	ID   string
	Kind ItemKind
}

// Account is a provider user account.
type Account struct {
	ID     string `json:"id"`
	Login  string `json:"login"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Party is the subject of a collaboration: a user or a group.
type Party struct {
	ID    string `json:"id"`
	Type  string `json:"type"` // "user" or "group"
	Login string `json:"login,omitempty"`
}

// ItemSummary is the compact item shape embedded in other responses.
type ItemSummary struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Item is a file or folder as returned by the provider.
type Item struct {
	ID                string       `json:"id"`
	Type              string       `json:"type"` // "file" or "folder"
	Name              string       `json:"name"`
	Parent            *ItemSummary `json:"parent,omitempty"`
	OwnedBy           *Party       `json:"owned_by,omitempty"`
	IsExternallyOwned bool         `json:"is_externally_owned,omitempty"`
}

// Ref returns the typed reference for this item.
func (it *Item) Ref() (ItemRef, error) {
	kind, err := ParseItemKind(it.Type)
	if err != nil {
		return ItemRef{}, err
	}
	return ItemRef{ID: it.ID, Kind: kind}, nil
}

// Group is a provider group.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Collaboration is a provider-level access grant on an item.
type Collaboration struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	AccessibleBy Party        `json:"accessible_by"`
	Item         *ItemSummary `json:"item,omitempty"`
}

// Collaboration roles used by the workflows.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Account statuses used by the deprovision workflow.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// RootFolderID is the identifier of an account's root folder.
const RootFolderID = "0"

// ListOptions narrows a folder listing.
type ListOptions struct {
	Fields  []string // field selection; empty means provider default
	OwnerID string   // restrict to items owned by this account
}
