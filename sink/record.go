// Package sink forwards fleet result events to logs or a NATS subject.
package sink

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/arloliu/go-modnet/fleet"
)

// Field is the encoded form of a fleet.Value.
type Field struct {
	Name  string  `json:"name" cbor:"1,keyasint"`
	Value float64 `json:"value" cbor:"2,keyasint"`
	Error string  `json:"error,omitempty" cbor:"3,keyasint,omitempty"`
}

// Record is the encoded form of a fleet.ResultEvent. Fields are sorted by name.
type Record struct {
	CycleID   string        `json:"cycle_id" cbor:"1,keyasint"`
	Driver    string        `json:"driver" cbor:"2,keyasint"`
	DeviceID  int           `json:"device_id" cbor:"3,keyasint"`
	Token     string        `json:"token" cbor:"4,keyasint"`
	Timestamp time.Time     `json:"ts" cbor:"5,keyasint"`
	Duration  time.Duration `json:"duration_ns" cbor:"6,keyasint"`
	OK        bool          `json:"ok" cbor:"7,keyasint"`
	Error     string        `json:"error,omitempty" cbor:"8,keyasint,omitempty"`
	Fields    []Field       `json:"fields,omitempty" cbor:"9,keyasint,omitempty"`
}

// NewRecord converts ev into a Record.
func NewRecord(ev fleet.ResultEvent) Record {
	rec := Record{
		CycleID:   ev.CycleID.String(),
		Driver:    string(ev.Driver),
		DeviceID:  ev.DeviceID,
		Token:     ev.Token,
		Timestamp: ev.Timestamp,
		Duration:  ev.Duration,
		OK:        ev.Err == nil && ev.Result != nil,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}

	for name, v := range ev.Result {
		f := Field{Name: name, Value: v.Number}
		if v.Err != nil {
			f.Error = v.Err.Error()
		}
		rec.Fields = append(rec.Fields, f)
	}
	sort.Slice(rec.Fields, func(i, j int) bool { return rec.Fields[i].Name < rec.Fields[j].Name })

	return rec
}

// Encoder serializes records.
type Encoder interface {
	Encode(rec Record) ([]byte, error)
	// Name identifies the encoding, e.g. in configuration.
	Name() string
}

type jsonEncoder struct{}

func (jsonEncoder) Encode(rec Record) ([]byte, error) { return json.Marshal(rec) }
func (jsonEncoder) Name() string                      { return EncodingJSON }

type cborEncoder struct {
	mode cbor.EncMode
}

func (e cborEncoder) Encode(rec Record) ([]byte, error) { return e.mode.Marshal(rec) }
func (cborEncoder) Name() string                        { return EncodingCBOR }

// Encoding names accepted by NewEncoder.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

var recordEncMode cbor.EncMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	recordEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR encoder mode: %v", err))
	}
}

// NewEncoder returns the encoder registered under name. An empty name selects JSON.
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", EncodingJSON:
		return jsonEncoder{}, nil
	case EncodingCBOR:
		return cborEncoder{mode: recordEncMode}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}
