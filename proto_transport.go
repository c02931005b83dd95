package auditledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ProtoSink posts committed entries as Protocol Buffers over HTTP/HTTPS.
// This is more compact than JSON and language-agnostic.
type ProtoSink struct {
	URL    string       // endpoint receiving POSTs
	Token  string       // optional bearer token
	JSON   bool         // send protojson instead of binary wire format
	Client *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewProtoSink creates a Protocol Buffer sink for url.
func NewProtoSink(url, token string) *ProtoSink {
	return &ProtoSink{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the sink in logs and metrics.
func (t *ProtoSink) Name() string { return "proto" }

// Encode renders e in the sink's wire format and returns its content type.
func (t *ProtoSink) Encode(e LogEntry) ([]byte, string, error) {
	msg, err := ToProtoEntry(e)
	if err != nil {
		return nil, "", fmt.Errorf("convert entry: %w", err)
	}
	if t.JSON {
		data, err := protojson.Marshal(msg)
		if err != nil {
			return nil, "", fmt.Errorf("marshal entry: %w", err)
		}
		return data, "application/json", nil
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal entry: %w", err)
	}
	return data, "application/x-protobuf", nil
}

// Notify sends the entry via HTTP POST using protobuf.
func (t *ProtoSink) Notify(ctx context.Context, e LogEntry) error {
	data, contentType, err := t.Encode(e)
	if err != nil {
		return err
	}
	return post(ctx, t.Client, t.URL, t.Token, contentType, data)
}
