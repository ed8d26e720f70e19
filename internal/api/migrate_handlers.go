package api

import (
	"encoding/json"
	"net/http"

	"github.com/stor-ops/custodian/internal/remote"
)

// Webhook-style phase endpoints. Each handler decodes a typed request,
// validates required fields, invokes one workflow phase against the
// provider, and encodes a typed response. No tracker or ledger state is
// touched here; the caller owns orchestration.

type bootstrapRequest struct {
	UserLogin     string `json:"UserLogin"`
	ManagedUserID string `json:"ManagedUserId"`
}

// Bootstrap resolves the source account and builds the destination
// scaffolding (folder, group, membership, editor collaboration).
func (s *Server) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserLogin == "" || req.ManagedUserID == "" {
		writeError(w, http.StatusBadRequest, "UserLogin and ManagedUserId are required")
		return
	}

	res, err := s.NewMigration(nil).Scaffold(r.Context(), req.UserLogin, req.ManagedUserID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type moveItemRequest struct {
	UserID          string `json:"UserId"`
	ItemID          string `json:"ItemId"`
	ItemType        string `json:"ItemType"`
	ManagedFolderID string `json:"ManagedFolderId"`
}

type moveItemResponse struct {
	AlreadySatisfied bool `json:"AlreadySatisfied"`
}

// MoveItem moves one item into the managed destination folder.
func (s *Server) MoveItem(w http.ResponseWriter, r *http.Request) {
	var req moveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.ItemID == "" || req.ManagedFolderID == "" {
		writeError(w, http.StatusBadRequest, "UserId, ItemId and ManagedFolderId are required")
		return
	}
	kind, err := remote.ParseItemKind(req.ItemType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.NewMigration(nil).MoveOne(r.Context(), req.UserID,
		remote.ItemRef{ID: req.ItemID, Kind: kind}, req.ManagedFolderID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, moveItemResponse{AlreadySatisfied: out.AlreadySatisfied})
}

type updateCollaborationsRequest struct {
	UserID   string `json:"UserId"`
	ItemID   string `json:"ItemId"`
	ItemType string `json:"ItemType"`
}

type updateCollaborationsResponse struct {
	Downgraded int `json:"Downgraded"`
}

// UpdateCollaborations downgrades the item's non-owner collaborators to
// viewer.
func (s *Server) UpdateCollaborations(w http.ResponseWriter, r *http.Request) {
	var req updateCollaborationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "UserId and ItemId are required")
		return
	}
	kind, err := remote.ParseItemKind(req.ItemType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.NewMigration(nil).DowngradeOne(r.Context(), req.UserID,
		remote.ItemRef{ID: req.ItemID, Kind: kind})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateCollaborationsResponse{Downgraded: n})
}

type cleanupRequest struct {
	UserID          string `json:"UserId"`
	ManagedUserID   string `json:"ManagedUserId"`
	ManagedFolderID string `json:"ManagedFolderId"`
}

// Cleanup removes the per-user group and leaves the user a direct viewer
// collaboration on the archive folder.
func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.ManagedUserID == "" || req.ManagedFolderID == "" {
		writeError(w, http.StatusBadRequest, "UserId, ManagedUserId and ManagedFolderId are required")
		return
	}

	if err := s.NewMigration(nil).CleanupFor(r.Context(), req.UserID, req.ManagedUserID, req.ManagedFolderID); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type subfoldersRequest struct {
	UserID   string `json:"UserId"`
	FolderID string `json:"FolderId"`
}

type subfolderEntry struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// ListSubfolders returns the immediate subfolders of a folder, acting as
// the given user.
func (s *Server) ListSubfolders(w http.ResponseWriter, r *http.Request) {
	var req subfoldersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.FolderID == "" {
		writeError(w, http.StatusBadRequest, "UserId and FolderId are required")
		return
	}

	folders, err := s.NewMigration(nil).ListSubfolders(r.Context(), req.UserID, req.FolderID)
	if err != nil {
		writeFault(w, err)
		return
	}
	entries := make([]subfolderEntry, 0, len(folders))
	for _, f := range folders {
		entries = append(entries, subfolderEntry{ID: f.ID, Name: f.Name})
	}
	writeJSON(w, http.StatusOK, entries)
}
