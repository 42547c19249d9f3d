package transport

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/logging"
)

// Factory constructs transports from declarative configuration
type Factory struct {
	logger *logrus.Logger
}

// NewFactory creates a new transport factory
func NewFactory(logger *logrus.Logger) *Factory {
	return &Factory{logger: logging.OrDiscard(logger)}
}

// Create builds the transport described by cfg. The returned transport is
// not connected. Unknown types fail with *domain.UnsupportedTransportError.
func (f *Factory) Create(cfg Config) (Transport, error) {
	var t Transport

	switch cfg.Type {
	case TransportWebSocket:
		var opts WebSocketOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid websocket options: %w", err)
		}
		t = NewWebSocketTransport(cfg.Endpoint, opts, f.logger)

	case TransportLibp2p:
		var opts Libp2pOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid libp2p options: %w", err)
		}
		t = NewLibp2pTransport(cfg.Endpoint, opts, f.logger)

	case TransportWebRTC:
		var opts WebRTCOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid webrtc options: %w", err)
		}
		t = NewWebRTCTransport(cfg.Endpoint, opts, f.logger)

	case TransportHTTPS:
		var opts HTTPSOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid https options: %w", err)
		}
		t = NewHTTPSTransport(cfg.Endpoint, opts, f.logger)

	case TransportMemory:
		var opts MemoryOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid memory options: %w", err)
		}
		if ch, ok := cfg.Options["channel"]; ok {
			channel, ok := ch.(*MemoryChannel)
			if !ok {
				return nil, fmt.Errorf("invalid memory options: channel must be a *MemoryChannel, got %T", ch)
			}
			opts.Channel = channel
		}
		role, err := parseRole(opts.Role)
		if err != nil {
			return nil, fmt.Errorf("invalid memory options: %w", err)
		}
		t = NewMemoryTransport(opts.Channel, role, f.logger)

	default:
		return nil, &domain.UnsupportedTransportError{Type: string(cfg.Type)}
	}

	f.logger.WithFields(logrus.Fields{
		"transport_type": cfg.Type,
		"endpoint":       cfg.Endpoint,
	}).Debug("Created transport")

	return t, nil
}

// decodeOptions maps the opaque option bag onto a typed options struct.
// Durations may be given as strings such as "5s".
func decodeOptions(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
