package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodePayload parses raw JSON into the payload type of kind. Empty input
// or a JSON null yields a nil payload.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindPayment:
		var v PaymentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPerformance:
		var v PerformancePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUsage:
		var v UsagePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindHealth:
		var v HealthPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: no payload type for kind %q", ErrInvalidObservation, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidObservation, kind, err)
	}
	return p, nil
}
