package auditledger

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToProtoEntry converts a LogEntry to a protobuf Struct.
//
// Protobuf numbers are doubles, so the payload also travels as its canonical
// JSON under "payload_canonical"; receivers recomputing hash_self must use it.
func ToProtoEntry(e LogEntry) (*structpb.Struct, error) {
	canonical, err := CanonicalPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	payload, err := protoValue(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	fields := map[string]*structpb.Value{
		"id":                structpb.NewNumberValue(float64(e.ID)),
		"chain_id":          structpb.NewStringValue(e.ChainID),
		"category":          structpb.NewStringValue(e.Category),
		"actor":             structpb.NewStringValue(e.Actor),
		"action":            structpb.NewStringValue(e.Action),
		"target":            structpb.NewStringValue(e.Target),
		"payload":           payload,
		"payload_canonical": structpb.NewStringValue(string(canonical)),
		"severity":          structpb.NewStringValue(string(e.Severity)),
		"timestamp":         structpb.NewStringValue(e.Timestamp.UTC().Format(TimestampFormat)),
		"hash_prev":         structpb.NewStringValue(e.HashPrev),
		"hash_self":         structpb.NewStringValue(e.HashSelf),
		"signature":         structpb.NewStringValue(e.Signature),
		"resolved":          structpb.NewBoolValue(e.Resolved),
	}
	return &structpb.Struct{Fields: fields}, nil
}

// protoValue converts normalized payload values, which may hold json.Number.
func protoValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return structpb.NewNumberValue(f), nil
	case map[string]any:
		fields := make(map[string]*structpb.Value, len(x))
		for k, item := range x {
			pv, err := protoValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = pv
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	case []any:
		values := make([]*structpb.Value, len(x))
		for i, item := range x {
			pv, err := protoValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			values[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	}
	return structpb.NewValue(v)
}

// FromProtoEntry converts a protobuf Struct produced by ToProtoEntry back to a LogEntry.
func FromProtoEntry(p *structpb.Struct) (LogEntry, error) {
	var e LogEntry
	f := p.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	e.ID = int64(f["id"].GetNumberValue())
	e.ChainID = str("chain_id")
	e.Category = str("category")
	e.Actor = str("actor")
	e.Action = str("action")
	e.Target = str("target")
	e.Severity = Severity(str("severity"))
	e.HashPrev = str("hash_prev")
	e.HashSelf = str("hash_self")
	e.Signature = str("signature")
	e.Resolved = f["resolved"].GetBoolValue()

	ts, err := time.Parse(TimestampFormat, str("timestamp"))
	if err != nil {
		return e, fmt.Errorf("invalid timestamp: %w", err)
	}
	e.Timestamp = ts.UTC()

	if c := str("payload_canonical"); c != "" {
		if e.Payload, err = decodePayload([]byte(c)); err != nil {
			return e, err
		}
		return e, nil
	}
	raw, err := json.Marshal(f["payload"].GetStructValue().AsMap())
	if err != nil {
		return e, fmt.Errorf("payload: %w", err)
	}
	if e.Payload, err = decodePayload(raw); err != nil {
		return e, err
	}
	return e, nil
}
