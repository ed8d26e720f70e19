package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stor-ops/custodian/internal/config"
)

const apiPrefix = "/2.0"

// Client talks to the storage provider API. A Client is bound to at most
// one account identity (via AsUser); workflows construct one fresh client
// per job, so there is no shared mutable state between jobs.
type Client struct {
	baseURL     string
	token       string
	asUser      string
	bulkTimeout time.Duration
	itemTimeout time.Duration
	httpClient  *http.Client
	log         *slog.Logger
}

// NewClient creates a Client from the provider configuration.
func NewClient(cfg config.Provider, log *slog.Logger) *Client {
	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:     cfg.BaseURL() + apiPrefix,
		token:       cfg.Token,
		bulkTimeout: cfg.BulkTimeout.Std(),
		itemTimeout: cfg.ItemTimeout.Std(),
		httpClient:  &http.Client{Transport: transport},
		log:         log,
	}
}

// AsUser returns a copy of the client that performs calls on behalf of the
// given account.
func (c *Client) AsUser(accountID string) Storage {
	derived := *c
	derived.asUser = accountID
	return &derived
}

// do performs one authenticated request with a bounded timeout and returns
// the raw body. Any failure comes back as a *Fault carrying the
// classification, provider status, truncated body, and correlation id.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload interface{}, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := method + " " + path
	corr := CorrelationFrom(ctx)

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Fault{Class: ClassPermanent, Op: op, CorrelationID: corr, Err: fmt.Errorf("marshaling body: %w", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &Fault{Class: ClassPermanent, Op: op, CorrelationID: corr, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if c.asUser != "" {
		req.Header.Set("As-User", c.asUser)
	}
	if corr != "" {
		req.Header.Set("X-Request-Id", corr)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Fault{Class: classifyTransport(err), Op: op, CorrelationID: corr, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Fault{Class: ClassTransient, Op: op, Status: resp.StatusCode, CorrelationID: corr, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, &Fault{
			Class:         classifyStatus(resp.StatusCode),
			Op:            op,
			Status:        resp.StatusCode,
			Body:          truncate(string(body), 500),
			CorrelationID: corr,
		}
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, timeout time.Duration, dest interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, params, nil, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &Fault{Class: ClassMalformed, Op: "GET " + path, CorrelationID: CorrelationFrom(ctx), Err: err}
	}
	return nil
}

// delete performs a DELETE, treating 404 as already gone.
func (c *Client) delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil, c.itemTimeout)
	if f := FaultOf(err); f != nil && f.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Paginated response envelopes.

type accountPage struct {
	TotalCount int       `json:"total_count"`
	Entries    []Account `json:"entries"`
}

type itemPage struct {
	TotalCount int    `json:"total_count"`
	Entries    []Item `json:"entries"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

type groupPage struct {
	TotalCount int     `json:"total_count"`
	Entries    []Group `json:"entries"`
}

type collaborationPage struct {
	Entries []Collaboration `json:"entries"`
}

const pageLimit = 1000

// ResolveAccountByLogin resolves a login to its account. Zero or multiple
// matches come back as a ResolutionAmbiguous fault.
func (c *Client) ResolveAccountByLogin(ctx context.Context, login string) (*Account, error) {
	params := url.Values{
		"filter_term": {login},
		"fields":      {"id,login,name,status"},
	}
	var page accountPage
	if err := c.getJSON(ctx, "/users", params, c.itemTimeout, &page); err != nil {
		return nil, err
	}

	var matches []Account
	for _, a := range page.Entries {
		if strings.EqualFold(a.Login, login) {
			matches = append(matches, a)
		}
	}
	if len(matches) != 1 {
		return nil, &Fault{
			Class:         ClassAmbiguous,
			Op:            "GET /users",
			CorrelationID: CorrelationFrom(ctx),
			Err:           fmt.Errorf("login %q matched %d accounts", login, len(matches)),
		}
	}
	return &matches[0], nil
}

// CreateFolder creates a folder under parentID. An existing folder of the
// same name surfaces as a Conflict fault; callers switch to FindFolderByName.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	payload := map[string]interface{}{
		"name":   name,
		"parent": map[string]string{"id": parentID},
	}
	body, err := c.do(ctx, http.MethodPost, "/folders", nil, payload, c.itemTimeout)
	if err != nil {
		return nil, err
	}
	var folder Item
	if err := json.Unmarshal(body, &folder); err != nil {
		return nil, &Fault{Class: ClassMalformed, Op: "POST /folders", CorrelationID: CorrelationFrom(ctx), Err: err}
	}
	return &folder, nil
}

// FindFolderByName scans parentID's children for a folder named name.
// Returns nil when absent.
func (c *Client) FindFolderByName(ctx context.Context, parentID, name string) (*Item, error) {
	items, err := c.ListFolderItems(ctx, parentID, ListOptions{Fields: []string{"id", "type", "name"}})
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Type == Folder.String() && items[i].Name == name {
			return &items[i], nil
		}
	}
	return nil, nil
}

// CreateGroup creates a group. Conflict means it already exists.
func (c *Client) CreateGroup(ctx context.Context, name string) (*Group, error) {
	body, err := c.do(ctx, http.MethodPost, "/groups", nil, map[string]string{"name": name}, c.itemTimeout)
	if err != nil {
		return nil, err
	}
	var g Group
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, &Fault{Class: ClassMalformed, Op: "POST /groups", CorrelationID: CorrelationFrom(ctx), Err: err}
	}
	return &g, nil
}

// FindGroupByName returns the group with the exact name, or nil.
func (c *Client) FindGroupByName(ctx context.Context, name string) (*Group, error) {
	params := url.Values{"filter_term": {name}}
	var page groupPage
	if err := c.getJSON(ctx, "/groups", params, c.bulkTimeout, &page); err != nil {
		return nil, err
	}
	for i := range page.Entries {
		if page.Entries[i].Name == name {
			return &page.Entries[i], nil
		}
	}
	return nil, nil
}

// DeleteGroup removes a group. Already-gone groups are not an error.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	return c.delete(ctx, "/groups/"+groupID)
}

// AddGroupMember adds an account to a group. Conflict means already a member.
func (c *Client) AddGroupMember(ctx context.Context, groupID, accountID string) error {
	payload := map[string]interface{}{
		"user":  map[string]string{"id": accountID},
		"group": map[string]string{"id": groupID},
		"role":  "member",
	}
	_, err := c.do(ctx, http.MethodPost, "/group_memberships", nil, payload, c.itemTimeout)
	return err
}

// ListFolderItems returns every direct child of a folder, walking all pages.
func (c *Client) ListFolderItems(ctx context.Context, folderID string, opts ListOptions) ([]Item, error) {
	return c.listItems(ctx, "/folders/"+folderID+"/items", opts)
}

// ListTrashedItems returns every item in the bound account's trash.
func (c *Client) ListTrashedItems(ctx context.Context) ([]Item, error) {
	return c.listItems(ctx, "/folders/trash/items", ListOptions{Fields: []string{"id", "type", "name"}})
}

func (c *Client) listItems(ctx context.Context, path string, opts ListOptions) ([]Item, error) {
	var all []Item
	offset := 0
	for {
		params := url.Values{
			"limit":  {fmt.Sprint(pageLimit)},
			"offset": {fmt.Sprint(offset)},
		}
		if len(opts.Fields) > 0 {
			params.Set("fields", strings.Join(opts.Fields, ","))
		}
		if opts.OwnerID != "" {
			params.Set("owned_by", opts.OwnerID)
		}

		var page itemPage
		if err := c.getJSON(ctx, path, params, c.bulkTimeout, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)

		offset += len(page.Entries)
		if len(page.Entries) == 0 || offset >= page.TotalCount {
			return all, nil
		}
	}
}

// GetItem fetches an item's metadata including its current parent and owner.
func (c *Client) GetItem(ctx context.Context, ref ItemRef) (*Item, error) {
	params := url.Values{"fields": {"id,type,name,parent,owned_by,is_externally_owned"}}
	var item Item
	if err := c.getJSON(ctx, "/"+ref.Kind.endpoint()+"/"+ref.ID, params, c.itemTimeout, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// MoveItem re-parents an item under destFolderID.
func (c *Client) MoveItem(ctx context.Context, ref ItemRef, destFolderID string) ([]byte, error) {
	payload := map[string]interface{}{
		"parent": map[string]string{"id": destFolderID},
	}
	return c.do(ctx, http.MethodPut, "/"+ref.Kind.endpoint()+"/"+ref.ID, nil, payload, c.itemTimeout)
}

// ListItemCollaborations returns the direct collaborations on an item.
func (c *Client) ListItemCollaborations(ctx context.Context, ref ItemRef) ([]Collaboration, error) {
	var page collaborationPage
	if err := c.getJSON(ctx, "/"+ref.Kind.endpoint()+"/"+ref.ID+"/collaborations", nil, c.bulkTimeout, &page); err != nil {
		return nil, err
	}
	return page.Entries, nil
}

// CreateCollaboration grants party the given role on an item. Conflict
// means an equivalent grant already exists.
func (c *Client) CreateCollaboration(ctx context.Context, ref ItemRef, party Party, role string) ([]byte, error) {
	payload := map[string]interface{}{
		"item":          map[string]string{"id": ref.ID, "type": ref.Kind.String()},
		"accessible_by": map[string]string{"id": party.ID, "type": party.Type},
		"role":          role,
	}
	params := url.Values{"notify": {"false"}}
	return c.do(ctx, http.MethodPost, "/collaborations", params, payload, c.itemTimeout)
}

// UpdateCollaborationRole changes the role of an existing collaboration.
func (c *Client) UpdateCollaborationRole(ctx context.Context, collaborationID, role string) ([]byte, error) {
	return c.do(ctx, http.MethodPut, "/collaborations/"+collaborationID, nil, map[string]string{"role": role}, c.itemTimeout)
}

// RemoveCollaboration revokes a collaboration. Already-gone is not an error.
func (c *Client) RemoveCollaboration(ctx context.Context, collaborationID string) error {
	return c.delete(ctx, "/collaborations/"+collaborationID)
}

// DeleteItem soft-deletes an item to the trash.
func (c *Client) DeleteItem(ctx context.Context, ref ItemRef) error {
	path := "/" + ref.Kind.endpoint() + "/" + ref.ID
	if ref.Kind == Folder {
		_, err := c.do(ctx, http.MethodDelete, path, url.Values{"recursive": {"true"}}, nil, c.itemTimeout)
		if f := FaultOf(err); f != nil && f.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return c.delete(ctx, path)
}

// PurgeTrashedItem permanently deletes a trashed item.
func (c *Client) PurgeTrashedItem(ctx context.Context, ref ItemRef) error {
	return c.delete(ctx, "/"+ref.Kind.endpoint()+"/"+ref.ID+"/trash")
}

// UpdateAccountStatus sets an account's status ("active", "inactive").
func (c *Client) UpdateAccountStatus(ctx context.Context, accountID, status string) error {
	_, err := c.do(ctx, http.MethodPut, "/users/"+accountID, nil, map[string]string{"status": status}, c.itemTimeout)
	return err
}

// UpdateAccountQuota sets an account's storage quota in bytes.
func (c *Client) UpdateAccountQuota(ctx context.Context, accountID string, bytes int64) error {
	_, err := c.do(ctx, http.MethodPut, "/users/"+accountID, nil, map[string]int64{"space_amount": bytes}, c.itemTimeout)
	return err
}

// DetachFromEnterprise converts a managed enterprise seat into a standalone
// personal account. This is the privileged out-of-band conversion call.
func (c *Client) DetachFromEnterprise(ctx context.Context, accountID string) error {
	payload := map[string]interface{}{"enterprise": nil}
	_, err := c.do(ctx, http.MethodPut, "/users/"+accountID, nil, payload, c.itemTimeout)
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
