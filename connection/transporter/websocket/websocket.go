/*
The websocket package carries envelope frames across a websocket connection.
In terms of the overall connection layer architecture, this package is at the
lowest layer: request envelopes go out as JSON text frames and inbound frames
are decoded into response envelopes for the behavior to route.
*/
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	gorilla "github.com/gorilla/websocket"
	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/connection/transporter"
	"github.com/oplinkoms/controller/logger"
	"gopkg.in/tomb.v2"
)

const (
	HttpsOnlyWebsocketScheme = "wss"
	HttpWebsocketScheme      = "ws"
)

var WebsocketUrlScheme = HttpsOnlyWebsocketScheme

type Websocket struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	client *gorilla.Conn

	// Received envelopes
	inbound chan *envelope.ResponseEnvelope
}

func New(logger *logger.Logger) *Websocket {
	return &Websocket{
		logger:  logger,
		inbound: make(chan *envelope.ResponseEnvelope, 200),
	}
}

func (w *Websocket) Close(reason error) {
	if w.tmb.Alive() {
		w.logger.Infof("Websocket connection closing because: %s", reason)

		// close the websocket connection
		w.client.Close()

		w.tmb.Kill(reason)
		w.tmb.Wait()
	} else {
		w.logger.Infof("Close was called while in a dying state")
	}
}

func (w *Websocket) Done() <-chan struct{} {
	return w.tmb.Dead()
}

func (w *Websocket) Err() error {
	return w.tmb.Err()
}

func (w *Websocket) Inbound() <-chan *envelope.ResponseEnvelope {
	return w.inbound
}

func (w *Websocket) SendEnvelope(request *envelope.RequestEnvelope) error {
	if w.client == nil {
		return fmt.Errorf("cannot send envelope because websocket is closed")
	}

	frame, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request envelope: %w", err)
	}
	return w.client.WriteMessage(gorilla.TextMessage, frame)
}

func (w *Websocket) Dial(connUrl *url.URL, headers http.Header, ctx context.Context) (err error) {
	// Make sure url scheme is correct
	connUrl.Scheme = WebsocketUrlScheme

	// Try to connect websocket once
	if w.client, _, err = gorilla.DefaultDialer.DialContext(ctx, connUrl.String(), headers); err != nil {
		return fmt.Errorf("error dialing websocket: %w", err)
	}

	// Reinitialize our variables in case this is post death
	w.tmb = tomb.Tomb{}

	w.tmb.Go(w.receive)

	return nil
}

func (w *Websocket) receive() error {
	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")

	for {
		// Read incoming message
		if _, rawMessage, err := w.client.ReadMessage(); !w.tmb.Alive() {
			return nil
		} else if err != nil {
			// Check if it's a clean exit
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				w.logger.Error(err)
			} else {
				w.logger.Info("Websocket connection closed normally")
			}
			return err
		} else {
			var response envelope.ResponseEnvelope
			if err := json.Unmarshal(rawMessage, &response); err != nil {
				w.logger.Errorf("failed to unmarshal response envelope: %s", err)
				continue
			}
			w.inbound <- &response
		}
	}
}

// Dialer opens websocket transports against resolved backends.
type Dialer struct {
	logger *logger.Logger
}

func NewDialer(logger *logger.Logger) *Dialer {
	return &Dialer{logger: logger}
}

func (d *Dialer) Dial(ctx context.Context, backend *backendinfo.BackendInfo) (transporter.Transporter, error) {
	connUrl, err := url.Parse(backend.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("malformed backend endpoint %s: %w", backend.Endpoint, err)
	}

	ws := New(d.logger)
	if err := ws.Dial(connUrl, http.Header{}, ctx); err != nil {
		return nil, err
	}
	return ws, nil
}
