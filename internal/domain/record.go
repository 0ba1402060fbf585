package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrAddress marks a failure to extract an address from an input record.
var ErrAddress = errors.New("extract address")

// ErrSourceFatal marks a source error that retrying cannot fix, such as a
// corrupt input file. The pipeline stops instead of backing off.
var ErrSourceFatal = errors.New("fatal source error")

// AddressFunc extracts the address string from an input record. It must be
// pure and synchronous.
type AddressFunc func(input any) (string, error)

// DefaultAddress treats the whole record as the address. Strings and
// fmt.Stringer values are accepted; anything else is an error.
func DefaultAddress(input any) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: record of type %T is not an address", ErrAddress, input)
	}
}

// FieldAddress reads the address from a named string field of a map record,
// as produced by the JSON-lines, CSV and Kafka sources.
func FieldAddress(field string) AddressFunc {
	return func(input any) (string, error) {
		m, ok := input.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w: record of type %T has no field %q", ErrAddress, input, field)
		}
		v, ok := m[field]
		if !ok {
			return "", fmt.Errorf("%w: field %q missing", ErrAddress, field)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: field %q is %T, not a string", ErrAddress, field, v)
		}
		return s, nil
	}
}

// SourceItem is one record pulled from a source, with optional delivery
// metadata. Commit acknowledges the item once its output has been loaded.
type SourceItem struct {
	Value     any
	Key       []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// Record is the enriched output produced for every input record.
type Record struct {
	Error    *string     `json:"error"`
	Address  string      `json:"address"`
	Input    any         `json:"input"`
	Location *LatLng     `json:"location"`
	Result   *Candidate  `json:"result"`
	Results  []Candidate `json:"results,omitempty"`
	Current  int64       `json:"current"`
	*Estimate
}

// NewRecord starts a record for input with the given progress snapshot.
func NewRecord(address string, input any, p Progress) Record {
	return Record{
		Address:  address,
		Input:    input,
		Current:  p.Current,
		Estimate: p.Estimate,
	}
}

// Resolve fills the record from a successful lookup. candidates must be
// non-empty.
func (r *Record) Resolve(candidates []Candidate) {
	first := candidates[0]
	r.Error = nil
	r.Result = &first
	r.Location = &first.Geometry.Location
	r.Results = candidates
}

// Fail marks the record as failed with err's message.
func (r *Record) Fail(err error) {
	msg := err.Error()
	r.Error = &msg
	r.Result = nil
	r.Location = nil
	r.Results = nil
}

// Failed reports whether the lookup for this record failed.
func (r Record) Failed() bool { return r.Error != nil }

// MarshalJSON writes location and result as empty objects when the lookup
// failed, so consumers always find both keys.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	out := struct {
		alias
		Location any `json:"location"`
		Result   any `json:"result"`
	}{alias: alias(r), Location: struct{}{}, Result: struct{}{}}
	if r.Location != nil {
		out.Location = r.Location
	}
	if r.Result != nil {
		out.Result = r.Result
	}
	return json.Marshal(out)
}
