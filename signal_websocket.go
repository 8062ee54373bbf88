package librtc

import (
	"sync"
	"time"

	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/fasthttp/websocket"

	"github.com/pion/webrtc/v4"
)

type (
	// SignalCodec translates signaling calls to and from wire frames. The
	// wire schema itself is application territory and stays behind this
	// interface.
	SignalCodec interface {
		EncodeCandidate(candidate webrtc.ICECandidateInit, target TransportRole) ([]byte, error)
		EncodeOffer(sdp webrtc.SessionDescription) ([]byte, error)
		EncodeSyncState(state SyncState) ([]byte, error)
		DecodeConnectResponse(data []byte) (ConnectResponse, error)
	}

	// SignalMessageHandler receives every non-handshake frame read from the
	// signaling socket.
	SignalMessageHandler func(data []byte)

	// WebsocketSignalClient implements SignalClient over a websocket
	// connection. Outbound frames sent while the socket is down are queued
	// and flushed by ResumeQueues once a reconnect succeeds.
	WebsocketSignalClient struct {
		logger       Logger
		dialer       *websocket.Dialer
		codec        SignalCodec
		onMessage    SignalMessageHandler
		pingInterval time.Duration

		lock        sync.Mutex
		conn        *websocket.Conn
		connCloseC  chan struct{}
		queued      [][]byte
		closeReason error
		closed      bool
	}
)

func NewWebsocketSignalClient(
	logger Logger,
	dialer *websocket.Dialer,
	codec SignalCodec,
	onMessage SignalMessageHandler,
	pingInterval time.Duration,
) *WebsocketSignalClient {
	return &WebsocketSignalClient{
		logger:       logger.WithField("net", "ws_signal"),
		dialer:       dialer,
		codec:        codec,
		onMessage:    onMessage,
		pingInterval: pingInterval,
	}
}

// Connect dials the signaling endpoint and waits for the connect response
// frame. It may be called again for each reconnect attempt; any previous
// socket is torn down first.
func (w *WebsocketSignalClient) Connect(
	ctx context.Context,
	rawURL, token string,
	opts ConnectOptions,
) (ConnectResponse, error) {
	endpoint, err := buildSignalURL(rawURL, token, opts)
	if err != nil {
		return ConnectResponse{}, err
	}

	conn, resp, err := w.dialer.DialContext(ctx, endpoint, nil)
	if err = w.handleDialError(resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", endpoint, err)
		return ConnectResponse{}, WrapErrSignalConnection(err, endpoint)
	}

	w.logger.Debugf("success opening signal connection to %s", endpoint)

	conn.SetPingHandler(func(appData string) error {
		w.logger.Debugln("<= [PING]")
		deadline := time.Now().Add(time.Second)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	// The first frame after the upgrade carries the connect response.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(DefaultCompleterTimeout))
	}
	_, first, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return ConnectResponse{}, errors.Wrap(ErrCannotConnect, "reading connect response: "+err.Error())
	}
	_ = conn.SetReadDeadline(time.Time{})

	res, err := w.codec.DecodeConnectResponse(first)
	if err != nil {
		_ = conn.Close()
		return ConnectResponse{}, errors.Wrap(err, "decoding connect response")
	}

	w.swapConn(conn)

	go w.readPump(conn)
	go w.pingLoop(conn)

	return res, nil
}

// swapConn installs the new socket, closing the previous one if any.
func (w *WebsocketSignalClient) swapConn(conn *websocket.Conn) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.connCloseC != nil {
		close(w.connCloseC)
	}
	w.conn = conn
	w.connCloseC = make(chan struct{})
	w.closeReason = nil
	w.closed = false
}

func (w *WebsocketSignalClient) readPump(conn *websocket.Conn) {
	for {
		_, bts, err := conn.ReadMessage()
		if err != nil {
			w.dropConn(conn, errors.Wrap(ErrConnectionClosed, err.Error()))
			return
		}
		w.logger.Debugf("<= [DATA] %d bytes", len(bts))
		if w.onMessage != nil {
			w.onMessage(bts)
		}
	}
}

func (w *WebsocketSignalClient) pingLoop(conn *websocket.Conn) {
	if w.pingInterval <= 0 {
		return
	}

	w.lock.Lock()
	closeC := w.connCloseC
	w.lock.Unlock()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeC:
			return
		case <-ticker.C:
			w.logger.Debugln("=> [PING]")
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.dropConn(conn, errors.Wrap(ErrConnectionClosed, err.Error()))
				return
			}
		}
	}
}

// dropConn marks the socket as gone so later sends queue instead of failing.
func (w *WebsocketSignalClient) dropConn(conn *websocket.Conn, reason error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.conn != conn {
		return
	}
	w.logger.Warnf("signal socket dropped: %s", reason)
	_ = w.conn.Close()
	w.conn = nil
	w.closeReason = reason
	if w.connCloseC != nil {
		close(w.connCloseC)
		w.connCloseC = nil
	}
}

// send writes a frame, or queues it when the socket is down.
func (w *WebsocketSignalClient) send(data []byte) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return ErrConnectionClosed
	}
	if w.conn == nil {
		w.queued = append(w.queued, data)
		return nil
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ResumeQueues flushes the frames queued while the socket was down.
func (w *WebsocketSignalClient) ResumeQueues() {
	w.lock.Lock()
	queued := w.queued
	w.queued = nil
	conn := w.conn
	w.lock.Unlock()

	if conn == nil {
		return
	}
	for _, data := range queued {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			w.logger.Errorf("flushing queued signal message: %s", err)
			return
		}
	}
}

func (w *WebsocketSignalClient) SendCandidate(candidate webrtc.ICECandidateInit, target TransportRole) error {
	data, err := w.codec.EncodeCandidate(candidate, target)
	if err != nil {
		return err
	}
	return w.send(data)
}

func (w *WebsocketSignalClient) SendOffer(sdp webrtc.SessionDescription) error {
	data, err := w.codec.EncodeOffer(sdp)
	if err != nil {
		return err
	}
	return w.send(data)
}

func (w *WebsocketSignalClient) SendSyncState(state SyncState) error {
	data, err := w.codec.EncodeSyncState(state)
	if err != nil {
		return err
	}
	return w.send(data)
}

// Close terminates the socket. Subsequent sends fail with ErrConnectionClosed.
func (w *WebsocketSignalClient) Close() {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	if w.connCloseC != nil {
		close(w.connCloseC)
		w.connCloseC = nil
	}
	w.queued = nil
}

// CloseErr returns why the current socket dropped, nil if it is healthy.
func (w *WebsocketSignalClient) CloseErr() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.closeReason
}

func (w *WebsocketSignalClient) handleDialError(resp *http.Response, err error) error {
	var msg string

	if resp != nil {
		if resp.Body != nil {
			bts, rerr := io.ReadAll(resp.Body)
			if rerr == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}

// buildSignalURL appends credentials and connect options to the endpoint.
func buildSignalURL(rawURL, token string, opts ConnectOptions) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(ErrCannotConnect, err.Error())
	}

	q := u.Query()
	q.Set("access_token", token)
	if opts.Reconnect {
		q.Set("reconnect", "1")
	}
	if opts.AdaptiveStream {
		q.Set("adaptive_stream", "1")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
