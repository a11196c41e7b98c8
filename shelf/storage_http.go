package shelf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HttpStorage talks to the shelf api over json. every row operation is a
// POST under the table path, queries are GETs, and the session token rides
// the Authorization header. http statuses fold into the shared error
// kinds so callers never see a bare status code.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// tableForKind maps an entity kind to its table path segment.
func tableForKind(kind EntityKind) string {
	switch kind {
	case EntityKindGroup:
		return "groups"
	default:
		return "items"
	}
}

type HttpStorage struct {
	ctx context.Context

	apiUrl string

	stateLock sync.Mutex
	byJwt     string

	client *http.Client
}

func NewHttpStorage(ctx context.Context, apiUrl string, byJwt string) *HttpStorage {
	return &HttpStorage{
		ctx:    ctx,
		apiUrl: strings.TrimRight(apiUrl, "/"),
		byJwt:  byJwt,
		client: defaultHttpClient(),
	}
}

// SetByJwt replaces the bearer token. The storage credential is owned by the
// embedding app; rotating it here does not touch active subscriptions.
func (self *HttpStorage) SetByJwt(byJwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.byJwt = byJwt
}

func (self *HttpStorage) bearer() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.byJwt
}

type scopeRowsResult struct {
	Items []*Item `json:"items"`
}

func (self *HttpStorage) QueryScope(ctx context.Context, scopeId Id) ([]*Item, error) {
	result := &scopeRowsResult{}
	err := self.get(ctx, fmt.Sprintf("%s/scopes/%s/rows", self.apiUrl, scopeId), result)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

func (self *HttpStorage) QueryItem(ctx context.Context, kind EntityKind, itemId Id) (*Item, error) {
	item := &Item{}
	err := self.get(ctx, fmt.Sprintf("%s/%s/%s", self.apiUrl, tableForKind(kind), itemId), item)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (self *HttpStorage) InsertItem(ctx context.Context, item *Item) error {
	if err := ValidateItem(item); err != nil {
		return err
	}
	return self.post(ctx, fmt.Sprintf("%s/%s", self.apiUrl, tableForKind(EntityKindForItem(item))), item, nil)
}

func (self *HttpStorage) UpdateContent(ctx context.Context, item *Item) error {
	if err := ValidateItem(item); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/%s/content", self.apiUrl, tableForKind(EntityKindForItem(item)), item.Id)
	return self.post(ctx, url, item, nil)
}

type placementArgs struct {
	ParentId *Id   `json:"parent_id"`
	Order    int64 `json:"item_order"`
}

func (self *HttpStorage) UpdatePlacement(ctx context.Context, kind EntityKind, itemId Id, parentId *Id, order int64) error {
	url := fmt.Sprintf("%s/%s/%s/placement", self.apiUrl, tableForKind(kind), itemId)
	return self.post(ctx, url, &placementArgs{
		ParentId: parentId,
		Order:    order,
	}, nil)
}

type placementBatchEntry struct {
	Table    string `json:"table"`
	ItemId   Id     `json:"id"`
	ParentId *Id    `json:"parent_id"`
	Order    int64  `json:"item_order"`
}

type placementBatchArgs struct {
	Placements []*placementBatchEntry `json:"placements"`
}

func (self *HttpStorage) ApplyPlacements(ctx context.Context, scopeId Id, placements []*PlacementUpdate) error {
	args := &placementBatchArgs{}
	for _, placement := range placements {
		args.Placements = append(args.Placements, &placementBatchEntry{
			Table:    tableForKind(placement.Kind),
			ItemId:   placement.ItemId,
			ParentId: placement.ParentId,
			Order:    placement.Order,
		})
	}
	return self.post(ctx, fmt.Sprintf("%s/scopes/%s/placements", self.apiUrl, scopeId), args, nil)
}

func (self *HttpStorage) DeleteItem(ctx context.Context, kind EntityKind, itemId Id) error {
	url := fmt.Sprintf("%s/%s/%s/delete", self.apiUrl, tableForKind(kind), itemId)
	return self.post(ctx, url, nil, nil)
}

type touchPresenceArgs struct {
	ScopeId Id `json:"scope_id"`
	UserId  Id `json:"user_id"`
	// advisory. the server stamps with its own clock.
	SeenAt time.Time `json:"seen_at"`
}

func (self *HttpStorage) TouchPresence(ctx context.Context, scopeId Id, userId Id, seenAt time.Time) error {
	return self.post(ctx, fmt.Sprintf("%s/presence/touch", self.apiUrl), &touchPresenceArgs{
		ScopeId: scopeId,
		UserId:  userId,
		SeenAt:  seenAt,
	}, nil)
}

type presenceResult struct {
	Records []*PresenceRecord `json:"records"`
}

func (self *HttpStorage) QueryPresence(ctx context.Context, scopeId Id) ([]*PresenceRecord, error) {
	result := &presenceResult{}
	err := self.get(ctx, fmt.Sprintf("%s/scopes/%s/presence", self.apiUrl, scopeId), result)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (self *HttpStorage) Close() error {
	self.client.CloseIdleConnections()
	return nil
}

func (self *HttpStorage) post(ctx context.Context, url string, args any, result any) error {
	var requestBodyBytes []byte
	if args != nil {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return err
	}
	return self.do(req, result)
}

func (self *HttpStorage) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	return self.do(req, result)
}

func (self *HttpStorage) do(req *http.Request, result any) error {
	req.Header.Add("Content-Type", "text/json")
	if byJwt := self.bearer(); byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	r, err := self.client.Do(req)
	if err != nil {
		if mapped := mapStorageErr(err); mapped != err {
			return mapped
		}
		return &TransportError{Attempts: 1, Cause: err}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return &TransportError{Attempts: 1, Cause: err}
	}

	if r.StatusCode != http.StatusOK {
		// the response body is the error message
		return httpStatusErr(r.StatusCode, strings.TrimSpace(string(responseBodyBytes)))
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(responseBodyBytes, result)
}

// httpStatusErr folds an api status into the shared error kinds.
func httpStatusErr(statusCode int, message string) error {
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Message: message}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrTransport, statusCode, message)
	}
}
