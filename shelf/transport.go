package shelf

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 8

// the subscription transport keeps one websocket to the change feed of one
// scope. it dials, authorizes with the session token, then pumps envelopes
// into a durable receive channel that survives reconnects, so the consumer
// never has to care which underlying socket a message came from.
//
// states:
//	connecting    dialing and authorizing the first socket
//	subscribed    envelopes flowing
//	reconnecting  socket lost, retrying on a fixed delay
//	failed        the server refused the subscription (bad token, wrong
//	              scope). retrying cannot help; the owner must tear down,
//	              reauthorize, and build a new transport.
//	closed        torn down by the owner

type TransportState string

const (
	TransportStateConnecting   TransportState = "connecting"
	TransportStateSubscribed   TransportState = "subscribed"
	TransportStateReconnecting TransportState = "reconnecting"
	TransportStateFailed       TransportState = "failed"
	TransportStateClosed       TransportState = "closed"
)

func (self TransportState) IsTerminal() bool {
	switch self {
	case TransportStateFailed, TransportStateClosed:
		return true
	default:
		return false
	}
}

type TransportStateFunction = func(state TransportState)

// Reconnect fixes the retry delay from before the connect attempt starts,
// so a slow failed attempt does not add its own latency to the delay.
type Reconnect struct {
	after <-chan time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		after: time.After(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return self.after
}

type SubscriptionTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultSubscriptionTransportSettings() *SubscriptionTransportSettings {
	return &SubscriptionTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// SubscriptionAuth is the first message on every socket. The server echoes
// an ack for the scope or an error, before any envelope flows.
type SubscriptionAuth struct {
	ByJwt      string
	ScopeId    Id
	InstanceId Id
}

type subscribeRequest struct {
	ByJwt      string `json:"by_jwt"`
	ScopeId    Id     `json:"scope_id"`
	InstanceId Id     `json:"instance_id"`
}

type subscribeAck struct {
	ScopeId Id     `json:"scope_id"`
	Error   string `json:"error,omitempty"`
}

type SubscriptionTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportUrl string
	auth         *SubscriptionAuth

	settings *SubscriptionTransportSettings

	receive chan *ChangeEnvelope

	stateLock           sync.Mutex
	state               TransportState
	lastErr             error
	consecutiveFailures int
	stateCallbacks      *CallbackList[TransportStateFunction]
}

func NewSubscriptionTransportWithDefaults(ctx context.Context, transportUrl string, auth *SubscriptionAuth) *SubscriptionTransport {
	return NewSubscriptionTransport(ctx, transportUrl, auth, DefaultSubscriptionTransportSettings())
}

func NewSubscriptionTransport(ctx context.Context, transportUrl string, auth *SubscriptionAuth, settings *SubscriptionTransportSettings) *SubscriptionTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &SubscriptionTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		transportUrl:   transportUrl,
		auth:           auth,
		settings:       settings,
		receive:        make(chan *ChangeEnvelope, TransportBufferSize),
		state:          TransportStateConnecting,
		stateCallbacks: NewCallbackList[TransportStateFunction](),
	}
	go transport.run()
	return transport
}

// Receive is the envelope stream. It stays open across reconnects and is
// never closed; consumers exit on their own context.
func (self *SubscriptionTransport) Receive() chan *ChangeEnvelope {
	return self.receive
}

func (self *SubscriptionTransport) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// LastError is the reason for the current failed/reconnecting state.
func (self *SubscriptionTransport) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

func (self *SubscriptionTransport) ConsecutiveFailures() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.consecutiveFailures
}

func (self *SubscriptionTransport) AddStateCallback(stateCallback TransportStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *SubscriptionTransport) setState(state TransportState, err error) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state.IsTerminal() {
			return false
		}
		self.lastErr = err
		switch state {
		case TransportStateSubscribed:
			self.consecutiveFailures = 0
		case TransportStateReconnecting:
			self.consecutiveFailures += 1
		}
		if self.state == state {
			return false
		}
		self.state = state
		return true
	}()
	if changed {
		for _, stateCallback := range self.stateCallbacks.Get() {
			func() {
				defer recover()
				stateCallback(state)
			}()
		}
	}
}

func (self *SubscriptionTransport) run() {
	defer func() {
		self.cancel()
		if self.State() != TransportStateFailed {
			self.setState(TransportStateClosed, nil)
		}
	}()

	authBytes, err := json.Marshal(&subscribeRequest{
		ByJwt:      self.auth.ByJwt,
		ScopeId:    self.auth.ScopeId,
		InstanceId: self.auth.InstanceId,
	})
	if err != nil {
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.transportUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			var ack subscribeAck
			if err := json.Unmarshal(message, &ack); err != nil {
				return nil, fmt.Errorf("subscribe ack error: %s", err)
			}
			if ack.Error != "" {
				// the server turned the subscription down. not a network
				// problem, so do not loop on it.
				return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, ack.Error)
			}
			if ack.ScopeId != self.auth.ScopeId {
				return nil, fmt.Errorf("%w: subscribed %s, requested %s", ErrScopeMismatch, ack.ScopeId, self.auth.ScopeId)
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			if isSubscriptionRefused(err) {
				glog.Infof("[t]subscribe refused %s = %s\n", self.auth.ScopeId, err)
				self.setState(TransportStateFailed, err)
				return
			}
			glog.Infof("[t]connect error %s = %s\n", self.auth.ScopeId, err)
			self.setState(TransportStateReconnecting, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.setState(TransportStateSubscribed, nil)
		glog.V(1).Infof("[t]subscribed %s\n", self.auth.ScopeId)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			// the write side only keeps the socket alive. all data flows
			// server to client on this channel.
			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							// a websocket deadline timeout cannot be recovered
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", self.auth.ScopeId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage, websocket.BinaryMessage:
						if len(message) == 0 {
							// ping
							glog.V(2).Infof("[tr]ping %s<-\n", self.auth.ScopeId)
							continue
						}

						envelope, err := DecodeEnvelope(message)
						if err != nil {
							// decode once at the boundary, drop what does
							// not parse rather than poisoning the stream
							glog.Infof("[tr]drop malformed %s<- = %s\n", self.auth.ScopeId, err)
							continue
						}

						select {
						case <-handleCtx.Done():
							return
						case self.receive <- envelope:
							glog.V(2).Infof("[tr]%s<- %s\n", self.auth.ScopeId, envelope)
						case <-time.After(self.settings.ReadTimeout):
							glog.Infof("[tr]drop %s<- %s\n", self.auth.ScopeId, envelope)
						}
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.auth.ScopeId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		c()
		self.setState(TransportStateReconnecting, self.LastError())
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SubscriptionTransport) Close() {
	self.cancel()
}

// isSubscriptionRefused separates a server that said no from a network
// that said nothing.
func isSubscriptionRefused(err error) bool {
	return errorIsAny(err, ErrPermissionDenied, ErrScopeMismatch)
}
