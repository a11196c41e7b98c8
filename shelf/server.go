package shelf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// LocalServer serves the row api and the subscribe channel from an
// in-process storage. It is the backend for local development and tests:
// point HttpStorage and the subscription transport at it and the full sync
// path runs without any hosted service. Every accepted write fans out to
// all subscribed connections through the storage event feed.

// EventStorage is a storage that can fan out its accepted writes.
type EventStorage interface {
	Storage
	AddEventCallback(eventCallback StorageEventFunction) func()
}

// EventedStorage adds a change feed to a storage that has none, e.g. a
// postgres backend. Writes that succeed through this wrapper are re-read
// and emitted, so the feed sees exactly what the rows now say. Complete
// only while every writer goes through the same wrapper, which holds for a
// single server process owning its backend.
type EventedStorage struct {
	Storage

	eventCallbacks *CallbackList[StorageEventFunction]
}

func NewEventedStorage(inner Storage) *EventedStorage {
	return &EventedStorage{
		Storage:        inner,
		eventCallbacks: NewCallbackList[StorageEventFunction](),
	}
}

func (self *EventedStorage) AddEventCallback(eventCallback StorageEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *EventedStorage) emit(event *ChangeEnvelope) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[api]event callback panic = %s\n", r)
				}
			}()
			eventCallback(event)
		}()
	}
}

func (self *EventedStorage) emitRow(ctx context.Context, operation ChangeOperation, kind EntityKind, itemId Id) {
	item, err := self.Storage.QueryItem(ctx, kind, itemId)
	if err != nil {
		glog.V(1).Infof("[api]feed read back %s %s = %s\n", kind, itemId, err)
		return
	}
	self.emit(&ChangeEnvelope{
		EntityKind: kind,
		Operation:  operation,
		ScopeId:    item.ScopeId,
		EntityId:   itemId,
		Item:       item,
	})
}

func (self *EventedStorage) InsertItem(ctx context.Context, item *Item) error {
	if err := self.Storage.InsertItem(ctx, item); err != nil {
		return err
	}
	self.emitRow(ctx, OperationInsert, EntityKindForItem(item), item.Id)
	return nil
}

func (self *EventedStorage) UpdateContent(ctx context.Context, item *Item) error {
	if err := self.Storage.UpdateContent(ctx, item); err != nil {
		return err
	}
	self.emitRow(ctx, OperationUpdate, EntityKindForItem(item), item.Id)
	return nil
}

func (self *EventedStorage) UpdatePlacement(ctx context.Context, kind EntityKind, itemId Id, parentId *Id, order int64) error {
	if err := self.Storage.UpdatePlacement(ctx, kind, itemId, parentId, order); err != nil {
		return err
	}
	self.emitRow(ctx, OperationUpdate, kind, itemId)
	return nil
}

func (self *EventedStorage) ApplyPlacements(ctx context.Context, scopeId Id, placements []*PlacementUpdate) error {
	if err := self.Storage.ApplyPlacements(ctx, scopeId, placements); err != nil {
		return err
	}
	for _, placement := range placements {
		self.emitRow(ctx, OperationUpdate, placement.Kind, placement.ItemId)
	}
	return nil
}

func (self *EventedStorage) DeleteItem(ctx context.Context, kind EntityKind, itemId Id) error {
	// read the scope before the row disappears
	item, err := self.Storage.QueryItem(ctx, kind, itemId)
	if err != nil {
		return err
	}
	if err := self.Storage.DeleteItem(ctx, kind, itemId); err != nil {
		return err
	}
	self.emit(&ChangeEnvelope{
		EntityKind: kind,
		Operation:  OperationDelete,
		ScopeId:    item.ScopeId,
		EntityId:   itemId,
	})
	return nil
}

type LocalServerSettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// events queued per subscriber before the feed drops
	EventBufferSize int
}

func DefaultLocalServerSettings() *LocalServerSettings {
	return &LocalServerSettings{
		AuthTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     15 * time.Second,
		EventBufferSize: 32,
	}
}

type LocalServer struct {
	ctx        context.Context
	storage    EventStorage
	signingKey []byte

	settings *LocalServerSettings
}

func NewLocalServerWithDefaults(ctx context.Context, storage EventStorage, signingKey []byte) *LocalServer {
	return NewLocalServer(ctx, storage, signingKey, DefaultLocalServerSettings())
}

func NewLocalServer(ctx context.Context, storage EventStorage, signingKey []byte, settings *LocalServerSettings) *LocalServer {
	return &LocalServer{
		ctx:        ctx,
		storage:    storage,
		signingKey: signingKey,
		settings:   settings,
	}
}

// Handler routes the row api plus the subscribe endpoint.
func (self *LocalServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /scopes/{scope}/rows", self.withAuth(self.queryScope))
	mux.HandleFunc("POST /scopes/{scope}/placements", self.withAuth(self.applyPlacements))
	mux.HandleFunc("GET /scopes/{scope}/presence", self.withAuth(self.queryPresence))
	mux.HandleFunc("POST /presence/touch", self.withAuth(self.touchPresence))
	mux.HandleFunc("POST /{table}", self.withAuth(self.insertItem))
	mux.HandleFunc("GET /{table}/{id}", self.withAuth(self.queryItem))
	mux.HandleFunc("POST /{table}/{id}/content", self.withAuth(self.updateContent))
	mux.HandleFunc("POST /{table}/{id}/placement", self.withAuth(self.updatePlacement))
	mux.HandleFunc("POST /{table}/{id}/delete", self.withAuth(self.deleteItem))
	mux.HandleFunc("GET /subscribe", self.handleSubscribe)
	return mux
}

func (self *LocalServer) verify(tokenStr string) (*SessionToken, error) {
	var token *SessionToken
	var err error
	if 0 < len(self.signingKey) {
		token, err = VerifySessionToken(self.signingKey, tokenStr)
	} else {
		token, err = ParseSessionTokenUnverified(tokenStr)
	}
	if err != nil {
		return nil, err
	}
	if token.Expired(time.Now()) {
		return nil, errors.New("session token expired")
	}
	return token, nil
}

type authedHandler func(token *SessionToken, w http.ResponseWriter, r *http.Request)

func (self *LocalServer) withAuth(handler authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing session token", http.StatusUnauthorized)
			return
		}
		token, err := self.verify(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		handler(token, w, r)
	}
}

func kindForTable(table string) (EntityKind, bool) {
	switch table {
	case "groups":
		return EntityKindGroup, true
	case "items":
		return EntityKindItem, true
	default:
		return "", false
	}
}

func writeApiErr(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrTimeout):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}

func writeApiJson(w http.ResponseWriter, result any) {
	resultJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resultJson)
}

func (self *LocalServer) pathScope(token *SessionToken, w http.ResponseWriter, r *http.Request) (Id, bool) {
	scopeId, err := ParseId(r.PathValue("scope"))
	if err != nil {
		http.Error(w, "malformed scope id", http.StatusBadRequest)
		return Id{}, false
	}
	if !token.AllowsScope(scopeId) {
		http.Error(w, "scope not allowed", http.StatusForbidden)
		return Id{}, false
	}
	return scopeId, true
}

// requireItemScope loads the stored row and checks the token against the
// scope the row actually lives in. row operations are authorized by the
// stored scope, never by ids or scopes the request claims.
func (self *LocalServer) requireItemScope(token *SessionToken, w http.ResponseWriter, r *http.Request, kind EntityKind, itemId Id) (*Item, bool) {
	item, err := self.storage.QueryItem(r.Context(), kind, itemId)
	if err != nil {
		writeApiErr(w, err)
		return nil, false
	}
	if !token.AllowsScope(item.ScopeId) {
		http.Error(w, "scope not allowed", http.StatusForbidden)
		return nil, false
	}
	return item, true
}

func (self *LocalServer) queryScope(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	scopeId, ok := self.pathScope(token, w, r)
	if !ok {
		return
	}
	items, err := self.storage.QueryScope(r.Context(), scopeId)
	if err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, &scopeRowsResult{Items: items})
}

func (self *LocalServer) queryItem(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	kind, ok := kindForTable(r.PathValue("table"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	itemId, err := ParseId(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed item id", http.StatusBadRequest)
		return
	}
	item, ok := self.requireItemScope(token, w, r, kind, itemId)
	if !ok {
		return
	}
	writeApiJson(w, item)
}

func (self *LocalServer) insertItem(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	kind, ok := kindForTable(r.PathValue("table"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	item := &Item{}
	if err := json.NewDecoder(r.Body).Decode(item); err != nil {
		http.Error(w, "malformed item", http.StatusBadRequest)
		return
	}
	item.Kind = itemKindForEntity(kind)
	if !token.AllowsScope(item.ScopeId) {
		http.Error(w, "scope not allowed", http.StatusForbidden)
		return
	}
	if err := self.storage.InsertItem(r.Context(), item); err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, item)
}

func (self *LocalServer) updateContent(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	kind, ok := kindForTable(r.PathValue("table"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	itemId, err := ParseId(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed item id", http.StatusBadRequest)
		return
	}
	item := &Item{}
	if err := json.NewDecoder(r.Body).Decode(item); err != nil {
		http.Error(w, "malformed item", http.StatusBadRequest)
		return
	}
	if _, ok := self.requireItemScope(token, w, r, kind, itemId); !ok {
		return
	}
	item.Id = itemId
	item.Kind = itemKindForEntity(kind)
	if err := self.storage.UpdateContent(r.Context(), item); err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, item)
}

func (self *LocalServer) updatePlacement(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	kind, ok := kindForTable(r.PathValue("table"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	itemId, err := ParseId(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed item id", http.StatusBadRequest)
		return
	}
	args := &placementArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "malformed placement", http.StatusBadRequest)
		return
	}
	if _, ok := self.requireItemScope(token, w, r, kind, itemId); !ok {
		return
	}
	if err := self.storage.UpdatePlacement(r.Context(), kind, itemId, args.ParentId, args.Order); err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, args)
}

func (self *LocalServer) applyPlacements(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	scopeId, ok := self.pathScope(token, w, r)
	if !ok {
		return
	}
	args := &placementBatchArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "malformed placements", http.StatusBadRequest)
		return
	}
	placements := []*PlacementUpdate{}
	for _, entry := range args.Placements {
		kind, ok := kindForTable(entry.Table)
		if !ok {
			http.Error(w, "unknown table", http.StatusBadRequest)
			return
		}
		placements = append(placements, &PlacementUpdate{
			Kind:     kind,
			ItemId:   entry.ItemId,
			ParentId: entry.ParentId,
			Order:    entry.Order,
		})
	}
	if err := self.storage.ApplyPlacements(r.Context(), scopeId, placements); err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, args)
}

func (self *LocalServer) deleteItem(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	kind, ok := kindForTable(r.PathValue("table"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	itemId, err := ParseId(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed item id", http.StatusBadRequest)
		return
	}
	if _, ok := self.requireItemScope(token, w, r, kind, itemId); !ok {
		return
	}
	if err := self.storage.DeleteItem(r.Context(), kind, itemId); err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, map[string]string{"status": "ok"})
}

func (self *LocalServer) touchPresence(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	args := &touchPresenceArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "malformed presence touch", http.StatusBadRequest)
		return
	}
	if !token.AllowsScope(args.ScopeId) {
		http.Error(w, "scope not allowed", http.StatusForbidden)
		return
	}
	// the token identity and the server clock are authoritative
	if err := self.storage.TouchPresence(r.Context(), args.ScopeId, token.UserId, time.Now()); err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, map[string]string{"status": "ok"})
}

func (self *LocalServer) queryPresence(token *SessionToken, w http.ResponseWriter, r *http.Request) {
	scopeId, ok := self.pathScope(token, w, r)
	if !ok {
		return
	}
	records, err := self.storage.QueryPresence(r.Context(), scopeId)
	if err != nil {
		writeApiErr(w, err)
		return
	}
	writeApiJson(w, &presenceResult{Records: records})
}

var localUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// local development server
		return true
	},
}

func (self *LocalServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := localUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	refuse := func(message string) {
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ackBytes, _ := json.Marshal(&subscribeAck{Error: message})
		conn.WriteMessage(websocket.TextMessage, ackBytes)
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, authBytes, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var auth subscribeRequest
	if err := json.Unmarshal(authBytes, &auth); err != nil {
		refuse("malformed subscribe request")
		return
	}
	token, err := self.verify(auth.ByJwt)
	if err != nil {
		refuse(err.Error())
		return
	}
	if !token.AllowsScope(auth.ScopeId) {
		refuse("scope not allowed")
		return
	}

	// all frames leave through one channel so writes never interleave
	writes := make(chan []byte, self.settings.EventBufferSize)

	// attach the feed before the ack goes out. the ack is the promise that
	// envelopes are flowing, so nothing accepted after it may be missed.
	unsub := self.storage.AddEventCallback(func(event *ChangeEnvelope) {
		if event.ScopeId != auth.ScopeId {
			return
		}
		message, err := EncodeEnvelope(event)
		if err != nil {
			return
		}
		select {
		case writes <- message:
		default:
			glog.Infof("[api]subscribe feed overflow for %s. dropped %s.\n", auth.ScopeId, event)
		}
	})
	defer unsub()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ackBytes, err := json.Marshal(&subscribeAck{ScopeId: auth.ScopeId})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, ackBytes); err != nil {
		return
	}

	glog.Infof("[api]subscribe %s %s/%s\n", auth.ScopeId, token.UserName, auth.InstanceId)

	go func() {
		defer handleCancel()
		for {
			conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.TextMessage && len(message) == 0 {
				// echo the ping so the client read stays warm
				select {
				case writes <- []byte{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		case message := <-writes:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}
