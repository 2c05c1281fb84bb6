package cleanup

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/eternisai/enchanted-workflows/internal/durable"
)

const (
	DefaultRetentionDays = 90
	MinRetentionDays     = 1
	MaxRetentionDays     = 3650

	DefaultBatchSize = 100
	MinBatchSize     = 1
	MaxBatchSize     = 1000
)

// Payload is the validated cleanup job input.
type Payload struct {
	RetentionDays int `json:"retentionDays"`
	BatchSize     int `json:"batchSize"`
}

type rawPayload struct {
	RetentionDays *int `json:"retentionDays"`
	BatchSize     *int `json:"batchSize"`
}

// DecodePayload parses a cleanup request body, applying defaults and clamping both values into range.
// An empty body yields the defaults.
func DecodePayload(raw []byte) (Payload, error) {
	var in rawPayload
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &in); err != nil {
			return Payload{}, fmt.Errorf("%w: retentionDays and batchSize must be integers", durable.ErrInvalidPayload)
		}
	}

	p := Payload{RetentionDays: DefaultRetentionDays, BatchSize: DefaultBatchSize}
	if in.RetentionDays != nil {
		p.RetentionDays = clamp(*in.RetentionDays, MinRetentionDays, MaxRetentionDays)
	}
	if in.BatchSize != nil {
		p.BatchSize = clamp(*in.BatchSize, MinBatchSize, MaxBatchSize)
	}
	return p, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
