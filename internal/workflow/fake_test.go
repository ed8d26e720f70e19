package workflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/stor-ops/custodian/internal/remote"
)

// fakeRemote is an in-memory provider. AsUser copies bind an account
// identity; all copies share one fakeState.
type fakeRemote struct {
	*fakeState
	user string
}

type fakeState struct {
	mu sync.Mutex

	// accounts by login, items by id, groups by name, members by group
	// id, collabs by item id, trash by item id.
	accounts map[string]remote.Account
	items    map[string]*remote.Item
	groups   map[string]*remote.Group
	members  map[string][]string
	collabs  map[string][]remote.Collaboration
	trash    map[string]remote.Item

	statuses map[string]string
	quotas   map[string]int64
	detached map[string]bool

	folderConflict bool
	groupConflict  bool
	memberConflict bool
	getItemErr     map[string]error
	moveItemErr    map[string]error

	// listRounds, when non-empty, overrides successive root listings.
	// Simulates provider listing lag in the drain loop tests.
	listRounds [][]remote.Item

	calls        map[string]int
	seq          []string // account mutation order
	nextID       int
	nextCollabID int
}

func newFake() *fakeRemote {
	return &fakeRemote{fakeState: &fakeState{
		accounts:    map[string]remote.Account{},
		items:       map[string]*remote.Item{},
		groups:      map[string]*remote.Group{},
		members:     map[string][]string{},
		collabs:     map[string][]remote.Collaboration{},
		trash:       map[string]remote.Item{},
		statuses:    map[string]string{},
		quotas:      map[string]int64{},
		detached:    map[string]bool{},
		getItemErr:  map[string]error{},
		moveItemErr: map[string]error{},
		calls:       map[string]int{},
		nextID:      100,
	}}
}

func (s *fakeState) count(name string) {
	s.calls[name]++
}

func (s *fakeState) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *fakeState) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *fakeState) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

// addItem registers an item (test setup).
func (s *fakeState) addItem(id, kind, name, parentID, ownerID string, external bool) *remote.Item {
	it := &remote.Item{
		ID:                id,
		Type:              kind,
		Name:              name,
		IsExternallyOwned: external,
	}
	if parentID != "" {
		it.Parent = &remote.ItemSummary{ID: parentID}
	}
	if ownerID != "" {
		it.OwnedBy = &remote.Party{ID: ownerID, Type: "user"}
	}
	s.items[id] = it
	return it
}

func conflictFault(op string) error {
	return &remote.Fault{Class: remote.ClassConflict, Op: op, Status: 409}
}

func notFoundFault(op string) error {
	return &remote.Fault{Class: remote.ClassPermanent, Op: op, Status: 404}
}

func (f *fakeRemote) AsUser(accountID string) remote.Storage {
	derived := *f
	derived.user = accountID
	return &derived
}

func (f *fakeRemote) ResolveAccountByLogin(ctx context.Context, login string) (*remote.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ResolveAccountByLogin")
	a, ok := f.accounts[login]
	if !ok {
		return nil, &remote.Fault{Class: remote.ClassAmbiguous, Op: "GET /users",
			Err: fmt.Errorf("login %q matched 0 accounts", login)}
	}
	return &a, nil
}

func (f *fakeRemote) UpdateAccountStatus(ctx context.Context, accountID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("UpdateAccountStatus")
	f.statuses[accountID] = status
	f.seq = append(f.seq, "status")
	return nil
}

func (f *fakeRemote) UpdateAccountQuota(ctx context.Context, accountID string, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("UpdateAccountQuota")
	f.quotas[accountID] = bytes
	f.seq = append(f.seq, "quota")
	return nil
}

func (f *fakeRemote) DetachFromEnterprise(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("DetachFromEnterprise")
	f.detached[accountID] = true
	f.seq = append(f.seq, "detach")
	return nil
}

func (f *fakeRemote) CreateFolder(ctx context.Context, parentID, name string) (*remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("CreateFolder")
	if f.folderConflict {
		return nil, conflictFault("POST /folders")
	}
	it := f.addItem(f.newID(), "folder", name, parentID, f.user, false)
	out := *it
	return &out, nil
}

func (f *fakeRemote) FindFolderByName(ctx context.Context, parentID, name string) (*remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("FindFolderByName")
	for _, it := range f.items {
		if it.Type == "folder" && it.Name == name && it.Parent != nil && it.Parent.ID == parentID {
			out := *it
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeRemote) ListFolderItems(ctx context.Context, folderID string, opts remote.ListOptions) ([]remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListFolderItems")
	if folderID == remote.RootFolderID && len(f.listRounds) > 0 {
		page := f.listRounds[0]
		f.listRounds = f.listRounds[1:]
		return page, nil
	}
	var out []remote.Item
	for _, it := range f.items {
		if it.Parent == nil || it.Parent.ID != folderID {
			continue
		}
		if opts.OwnerID != "" && (it.OwnedBy == nil || it.OwnedBy.ID != opts.OwnerID) {
			continue
		}
		// The root listing is a per-account view: an item shows up only
		// for its owner and its collaborators.
		if folderID == remote.RootFolderID && f.user != "" && !f.visibleTo(it, f.user) {
			continue
		}
		out = append(out, *it)
	}
	return out, nil
}

// visibleTo reports whether the account sees the item in its root
// listing. Caller holds the lock.
func (s *fakeState) visibleTo(it *remote.Item, accountID string) bool {
	if it.OwnedBy != nil && it.OwnedBy.ID == accountID {
		return true
	}
	for _, c := range s.collabs[it.ID] {
		if c.AccessibleBy.ID == accountID {
			return true
		}
	}
	return false
}

func (f *fakeRemote) GetItem(ctx context.Context, ref remote.ItemRef) (*remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("GetItem")
	if err := f.getItemErr[ref.ID]; err != nil {
		return nil, err
	}
	it, ok := f.items[ref.ID]
	if !ok {
		return nil, notFoundFault("GET item " + ref.ID)
	}
	out := *it
	return &out, nil
}

func (f *fakeRemote) MoveItem(ctx context.Context, ref remote.ItemRef, destFolderID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("MoveItem")
	if err := f.moveItemErr[ref.ID]; err != nil {
		return nil, err
	}
	it, ok := f.items[ref.ID]
	if !ok {
		return nil, notFoundFault("PUT item " + ref.ID)
	}
	it.Parent = &remote.ItemSummary{ID: destFolderID}
	return []byte(`{"id":"` + ref.ID + `"}`), nil
}

func (f *fakeRemote) DeleteItem(ctx context.Context, ref remote.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("DeleteItem")
	if it, ok := f.items[ref.ID]; ok {
		f.trash[ref.ID] = *it
		delete(f.items, ref.ID)
	}
	return nil
}

func (f *fakeRemote) ListTrashedItems(ctx context.Context) ([]remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListTrashedItems")
	var out []remote.Item
	for _, it := range f.trash {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeRemote) PurgeTrashedItem(ctx context.Context, ref remote.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("PurgeTrashedItem")
	delete(f.trash, ref.ID)
	return nil
}

func (f *fakeRemote) CreateGroup(ctx context.Context, name string) (*remote.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("CreateGroup")
	if f.groupConflict {
		return nil, conflictFault("POST /groups")
	}
	g := &remote.Group{ID: f.newID(), Name: name}
	f.groups[name] = g
	out := *g
	return &out, nil
}

func (f *fakeRemote) FindGroupByName(ctx context.Context, name string) (*remote.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("FindGroupByName")
	if g, ok := f.groups[name]; ok {
		out := *g
		return &out, nil
	}
	return nil, nil
}

func (f *fakeRemote) DeleteGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("DeleteGroup")
	for name, g := range f.groups {
		if g.ID == groupID {
			delete(f.groups, name)
			return nil
		}
	}
	return nil
}

func (f *fakeRemote) AddGroupMember(ctx context.Context, groupID, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("AddGroupMember")
	if f.memberConflict {
		return conflictFault("POST /group_memberships")
	}
	f.members[groupID] = append(f.members[groupID], accountID)
	return nil
}

func (f *fakeRemote) ListItemCollaborations(ctx context.Context, ref remote.ItemRef) ([]remote.Collaboration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListItemCollaborations")
	return append([]remote.Collaboration(nil), f.collabs[ref.ID]...), nil
}

func (f *fakeRemote) CreateCollaboration(ctx context.Context, ref remote.ItemRef, party remote.Party, role string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("CreateCollaboration")
	f.nextCollabID++
	f.collabs[ref.ID] = append(f.collabs[ref.ID], remote.Collaboration{
		ID:           "c" + strconv.Itoa(f.nextCollabID),
		Role:         role,
		AccessibleBy: party,
		Item:         &remote.ItemSummary{ID: ref.ID},
	})
	return []byte("{}"), nil
}

func (f *fakeRemote) UpdateCollaborationRole(ctx context.Context, collaborationID, role string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("UpdateCollaborationRole")
	for itemID, list := range f.collabs {
		for i := range list {
			if list[i].ID == collaborationID {
				f.collabs[itemID][i].Role = role
				return []byte("{}"), nil
			}
		}
	}
	return nil, notFoundFault("PUT /collaborations/" + collaborationID)
}

func (f *fakeRemote) RemoveCollaboration(ctx context.Context, collaborationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("RemoveCollaboration")
	for itemID, list := range f.collabs {
		for i := range list {
			if list[i].ID == collaborationID {
				f.collabs[itemID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// collabFor returns the collaboration held by party on itemID, or nil.
func (s *fakeState) collabFor(itemID, partyID string) *remote.Collaboration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.collabs[itemID] {
		if c.AccessibleBy.ID == partyID {
			out := c
			return &out
		}
	}
	return nil
}

var _ remote.Storage = (*fakeRemote)(nil)
