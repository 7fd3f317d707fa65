package domain

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Procurement records carry tax in three legacy shapes: a list of {id, rate}
// objects, a single {id, rate}-or-{amount} object, or a bare numeric amount.
// TaxPayload models them as a tagged variant so downstream code matches on
// Kind instead of sniffing shapes.

// PayloadKind tags the decoded legacy shape.
type PayloadKind string

const (
	PayloadKindNone         PayloadKind = "none"
	PayloadKindPerUnitList  PayloadKind = "per_unit_list"
	PayloadKindSingleObject PayloadKind = "single_object"
	PayloadKindLegacyAmount PayloadKind = "legacy_amount"
)

// PayloadRef is one {id, rate, amount} member of a legacy payload.
// Amount is in minor units; Rate is a percentage. IDs arrive as bare
// numbers in the legacy blobs, so they are decoded as int64 and lifted
// into snowflake IDs by the caller.
type PayloadRef struct {
	ID     *int64   `json:"id,omitempty"`
	Rate   *float64 `json:"rate,omitempty"`
	Amount *int64   `json:"amount,omitempty"`
}

// RateID returns the referenced tax rate id, if any.
func (r PayloadRef) RateID() *snowflake.ID {
	if r.ID == nil || *r.ID == 0 {
		return nil
	}
	id := snowflake.ID(*r.ID)
	return &id
}

// TaxPayload is the decoded legacy tax payload.
type TaxPayload struct {
	Kind   PayloadKind
	List   []PayloadRef
	Object *PayloadRef
	Amount int64
}

var ErrMalformedPayload = errors.New("malformed_tax_payload")

// ParsePayload decodes raw legacy JSON into the tagged variant. Empty or
// null input yields PayloadKindNone.
func ParsePayload(raw []byte) (TaxPayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return TaxPayload{Kind: PayloadKindNone}, nil
	}

	switch raw[0] {
	case '[':
		var list []PayloadRef
		if err := json.Unmarshal(raw, &list); err != nil {
			return TaxPayload{}, ErrMalformedPayload
		}
		if len(list) == 0 {
			return TaxPayload{Kind: PayloadKindNone}, nil
		}
		return TaxPayload{Kind: PayloadKindPerUnitList, List: list}, nil
	case '{':
		var obj PayloadRef
		if err := json.Unmarshal(raw, &obj); err != nil {
			return TaxPayload{}, ErrMalformedPayload
		}
		return TaxPayload{Kind: PayloadKindSingleObject, Object: &obj}, nil
	default:
		var amount float64
		if err := json.Unmarshal(raw, &amount); err != nil {
			return TaxPayload{}, ErrMalformedPayload
		}
		return TaxPayload{Kind: PayloadKindLegacyAmount, Amount: int64(amount)}, nil
	}
}
