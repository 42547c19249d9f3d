package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// WebRTCOptions configures a WebRTCTransport
type WebRTCOptions struct {
	ICEServers  []string          `mapstructure:"ice_servers"`
	Label       string            `mapstructure:"label"`
	OpenTimeout time.Duration     `mapstructure:"open_timeout"`
	Headers     map[string]string `mapstructure:"headers"`
	HTTPClient  *http.Client      `mapstructure:"-"`
}

func (o WebRTCOptions) withDefaults() WebRTCOptions {
	if o.Label == "" {
		o.Label = "mcp"
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 15 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.OpenTimeout}
	}
	return o
}

func (o WebRTCOptions) configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(o.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.ICEServers}}
	}
	return cfg
}

// WebRTCTransport carries frames as text messages on a data channel. The
// endpoint is an HTTP signaling URL that receives the offer and returns
// the answer as JSON session descriptions.
type WebRTCTransport struct {
	base
	opts     WebRTCOptions
	accepted bool

	mu sync.Mutex
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// NewWebRTCTransport creates a transport signaling against endpoint on Connect
func NewWebRTCTransport(endpoint string, opts WebRTCOptions, logger *logrus.Logger) *WebRTCTransport {
	t := &WebRTCTransport{opts: opts.withDefaults()}
	t.init(TransportWebRTC, endpoint, logger, nil)
	return t
}

// Connect creates an offer, exchanges it with the signaling endpoint and
// waits for the data channel to open
func (t *WebRTCTransport) Connect(ctx context.Context) error {
	gen, proceed, err := t.beginConnect()
	if !proceed {
		return err
	}
	if t.accepted {
		return t.connectFailed(gen, errors.New("answered peer connection cannot be redialed"))
	}

	pc, err := webrtc.NewPeerConnection(t.opts.configuration())
	if err != nil {
		return t.connectFailed(gen, err)
	}
	abort := func(cause error) error {
		_ = pc.Close()
		return t.connectFailed(gen, cause)
	}

	dc, err := pc.CreateDataChannel(t.opts.Label, nil)
	if err != nil {
		return abort(err)
	}
	opened := make(chan struct{})
	var once sync.Once
	dc.OnOpen(func() { once.Do(func() { close(opened) }) })
	t.watch(gen, pc)
	t.bindDataChannel(gen, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return abort(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return abort(err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return abort(ctx.Err())
	}

	answer, err := t.signal(ctx, pc.LocalDescription())
	if err != nil {
		return abort(fmt.Errorf("signaling failed: %w", err))
	}
	if err := pc.SetRemoteDescription(*answer); err != nil {
		return abort(err)
	}

	timer := time.NewTimer(t.opts.OpenTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-timer.C:
		return abort(errors.New("data channel did not open"))
	case <-ctx.Done():
		return abort(ctx.Err())
	}

	t.mu.Lock()
	t.pc = pc
	t.dc = dc
	t.mu.Unlock()

	if !t.markConnected(gen) {
		t.release(pc)
		return t.connErr(errConnectAborted)
	}
	return nil
}

func (t *WebRTCTransport) signal(ctx context.Context, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signaling endpoint returned status %d", resp.StatusCode)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		return nil, fmt.Errorf("invalid answer: %w", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return nil, fmt.Errorf("expected answer, got %s", answer.Type)
	}
	return &answer, nil
}

// AnswerWebRTCOffer builds the answering side of a WebRTC session. The
// returned transport becomes connected once the offerer's data channel opens.
func AnswerWebRTCOffer(ctx context.Context, offer webrtc.SessionDescription, opts WebRTCOptions, logger *logrus.Logger) (*WebRTCTransport, *webrtc.SessionDescription, error) {
	t := &WebRTCTransport{opts: opts.withDefaults(), accepted: true}
	t.init(TransportWebRTC, "webrtc-answer", logger, nil)

	gen, _, _ := t.beginConnect()

	pc, err := webrtc.NewPeerConnection(t.opts.configuration())
	if err != nil {
		return nil, nil, t.connectFailed(gen, err)
	}
	abort := func(cause error) (*WebRTCTransport, *webrtc.SessionDescription, error) {
		_ = pc.Close()
		return nil, nil, t.connectFailed(gen, cause)
	}

	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	t.watch(gen, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.mu.Lock()
		t.dc = dc
		t.mu.Unlock()

		t.bindDataChannel(gen, dc)
		dc.OnOpen(func() {
			t.markConnected(gen)
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return abort(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return abort(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return abort(err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return abort(ctx.Err())
	}

	time.AfterFunc(t.opts.OpenTimeout, func() {
		t.mu.Lock()
		stale := t.pc != pc
		t.mu.Unlock()
		if !stale && t.State() == StateConnecting {
			t.logger.WithFields(t.fields()).Warn("Data channel did not open, closing answered session")
			_ = t.Disconnect()
		}
	})

	return t, pc.LocalDescription(), nil
}

func (t *WebRTCTransport) watch(gen uint64, pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.WithFields(t.fields()).WithField("peer_state", state.String()).Debug("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			if t.fail(gen, fmt.Errorf("peer connection %s", state)) {
				t.release(pc)
			}
		}
	})
}

func (t *WebRTCTransport) bindDataChannel(gen uint64, dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame, err := protocol.Decode(msg.Data)
		if err != nil {
			t.logger.WithFields(t.fields()).WithError(err).Warn("Dropping malformed frame")
			return
		}
		t.deliver(gen, frame)
	})
	dc.OnClose(func() {
		t.fail(gen, errors.New("data channel closed"))
	})
}

// release closes pc if it is still the current peer connection
func (t *WebRTCTransport) release(pc *webrtc.PeerConnection) {
	t.mu.Lock()
	if pc == nil || t.pc == pc {
		pc = t.pc
		t.pc = nil
		t.dc = nil
	} else {
		pc = nil
	}
	t.mu.Unlock()

	if pc != nil {
		// Close blocks on callbacks; run it off the callback goroutine
		go func() { _ = pc.Close() }()
	}
}

// Disconnect closes the peer connection
func (t *WebRTCTransport) Disconnect() error {
	t.markDisconnected()
	t.release(nil)
	return nil
}

// Send writes frame as a text message on the data channel
func (t *WebRTCTransport) Send(ctx context.Context, frame *protocol.Frame) error {
	gen, connected := t.session()
	if !connected {
		return domain.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return domain.ErrNotConnected
	}

	if err := dc.SendText(string(data)); err != nil {
		t.fail(gen, err)
		return t.connErr(err)
	}

	t.logger.WithFields(t.fields()).WithFields(logrus.Fields{
		"frame_id":       frame.ID,
		"message_length": len(data),
	}).Debug("WebRTC frame sent")
	return nil
}
