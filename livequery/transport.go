package livequery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const transportSendBufferSize = 32

type WebsocketListenerSettings struct {
	WsHandshakeTimeout time.Duration
	// keepalive ping interval; liveness must be observed within twice
	// this interval or the disconnect cleanup path runs
	PingTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultWebsocketListenerSettings() *WebsocketListenerSettings {
	return &WebsocketListenerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// WebsocketListener normalizes the socket library events into the
// server's message/disconnect contract. the server only ever sees the
// Conn interface
type WebsocketListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	server *LiveQueryServer
	addr   string

	settings *WebsocketListenerSettings

	upgrader websocket.Upgrader
}

func NewWebsocketListenerWithDefaults(ctx context.Context, server *LiveQueryServer, addr string) *WebsocketListener {
	settings := DefaultWebsocketListenerSettings()
	settings.PingTimeout = server.settings.WebsocketTimeout
	return NewWebsocketListener(ctx, server, addr, settings)
}

func NewWebsocketListener(ctx context.Context, server *LiveQueryServer, addr string, settings *WebsocketListenerSettings) *WebsocketListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebsocketListener{
		ctx:      cancelCtx,
		cancel:   cancel,
		server:   server,
		addr:     addr,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			// key pair validation happens at the connect op, not the
			// http layer
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *WebsocketListener) ListenAndServe() error {
	httpServer := &http.Server{
		Addr:    self.addr,
		Handler: self,
	}
	go func() {
		select {
		case <-self.ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), self.settings.WriteTimeout)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("[ws]listen %s\n", self.addr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (self *WebsocketListener) Close() {
	self.cancel()
}

func (self *WebsocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[ws]upgrade error = %s\n", err)
		return
	}
	self.run(ws)
}

func (self *WebsocketListener) run(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	conn := &websocketConn{
		ctx:    handleCtx,
		cancel: handleCancel,
		send:   make(chan any, transportSendBufferSize),
	}
	connection := self.server.OpenConnection(conn)

	readTimeout := 2 * self.settings.PingTimeout
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// write pump. single writer per socket. pings tick on a fixed
	// interval regardless of outbound traffic. closing the socket on
	// exit unblocks the read pump
	go func() {
		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer func() {
			pingTicker.Stop()
			handleCancel()
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-conn.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(message); err != nil {
					glog.V(1).Infof("[ws]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ws]->\n")
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// read pump. inbound messages dispatch sequentially.
	// any inbound traffic counts as liveness alongside pongs
	var readErr error
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-handleCtx.Done():
				// shutdown, not a peer error
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					readErr = err
				}
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(2).Infof("[ws]<-\n")
			self.server.HandleMessage(connection, data)
		default:
			glog.V(2).Infof("[ws]other=%d<-\n", messageType)
		}
	}

	handleCancel()
	self.server.CloseConnection(connection, readErr)
}

// websocketConn hands messages to the connection's write pump
type websocketConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	send   chan any
}

func (self *websocketConn) WriteJSON(message any) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("connection closed")
	case self.send <- message:
		return nil
	}
}

func (self *websocketConn) Close() error {
	self.cancel()
	return nil
}
