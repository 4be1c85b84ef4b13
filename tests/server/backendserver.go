package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/logger"
)

// Handler produces the backend's reply to one request envelope. Returning
// nil swallows the request, which is how tests simulate a silent backend.
type Handler func(request *envelope.RequestEnvelope) *envelope.ResponseEnvelope

// BackendServer is a websocket test double for a backend: it decodes request
// envelopes off the wire and answers them through a pluggable handler.
type BackendServer struct {
	logger  *logger.Logger
	handler Handler
	server  *httptest.Server
	conn    *websocket.Conn
}

func NewBackendServer(logger *logger.Logger, handler Handler) *BackendServer {
	backend := &BackendServer{
		logger:  logger,
		handler: handler,
	}
	backend.server = httptest.NewServer(http.HandlerFunc(backend.serve))
	return backend
}

// Url returns the server's address with a websocket scheme.
func (b *BackendServer) Url() string {
	return strings.Replace(b.server.URL, "http", "ws", 1)
}

func (b *BackendServer) serve(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{}
	if conn, err := upgrader.Upgrade(writer, request, nil); err != nil {
		b.logger.Errorf("failed to upgrade websocket: %s", err)
		return
	} else {
		b.conn = conn
	}

	defer b.conn.Close()

	for {
		_, frame, err := b.conn.ReadMessage()
		if err != nil {
			b.logger.Errorf("failed to read from websocket connection: %s", err)
			return
		}

		var request envelope.RequestEnvelope
		if err := json.Unmarshal(frame, &request); err != nil {
			b.logger.Errorf("failed to unmarshal request envelope: %s", err)
			continue
		}

		response := b.handler(&request)
		if response == nil {
			continue
		}

		reply, err := json.Marshal(response)
		if err != nil {
			b.logger.Errorf("failed to marshal response envelope: %s", err)
			continue
		}
		if err := b.conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			b.logger.Errorf("failed to write to websocket connection: %s", err)
			return
		}
	}
}

func (b *BackendServer) ForceClose() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *BackendServer) Close() {
	if b.conn != nil {
		// elegant close
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		b.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	}
	b.server.Close()
}
