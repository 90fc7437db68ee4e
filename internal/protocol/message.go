package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind is the "type" discriminator carried by every frame body.
type Kind string

const (
	KindKPI                   Kind = "kpi"
	KindRecommendationRequest Kind = "recommendation_request"
	KindControl               Kind = "control"
)

// NoActionReply is the safe default sent to an xApp whose recommendation
// request could not be answered by the AI engine.
var NoActionReply = []byte(`{"no_action": true}`)

// ErrMalformedMessage marks a frame body that is not a usable JSON message.
var ErrMalformedMessage = errors.New("malformed message")

// Message is one decoded frame body. Raw returns the exact bytes it was
// decoded from so routing can forward it verbatim.
type Message interface {
	Kind() Kind
	Raw() []byte
}

// FlexString accepts a JSON string, number or bool. Producers are not
// consistent about quoting ids, so those fields decode through this type.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*f = FlexString(data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", data)
		}
		*f = FlexString(n)
	}
	return nil
}

func (f FlexString) String() string { return string(f) }

// Measurement is a single named KPI sample.
type Measurement struct {
	ID    FlexString `json:"id"`
	Name  string     `json:"name"`
	Value FlexString `json:"value"`
}

// IsZero reports whether the sample carries no information: a missing value
// or one that parses as numeric zero.
func (m Measurement) IsZero() bool {
	if m.Value == "" {
		return true
	}
	v, err := strconv.ParseFloat(string(m.Value), 64)
	return err == nil && v == 0
}

type UEReport struct {
	UEID         FlexString    `json:"ueId"`
	NodeID       *FlexString   `json:"node_id,omitempty"`
	Measurements []Measurement `json:"measurements"`
}

type KPIPayload struct {
	CellObjectID FlexString    `json:"cellObjectID"`
	Format       FlexString    `json:"format"`
	Measurements []Measurement `json:"measurements"`
	UEs          []UEReport    `json:"ues"`
}

// KPIReport is one-way telemetry from an xApp. KPI is nil when the body
// carries no payload or one this package cannot interpret; the report is
// still routed on its type.
type KPIReport struct {
	MEID FlexString  `json:"meid"`
	KPI  *KPIPayload `json:"kpi"`
	raw  []byte

	payloadErr error
}

func (m *KPIReport) Kind() Kind  { return KindKPI }
func (m *KPIReport) Raw() []byte { return m.raw }

// PayloadErr reports why the kpi payload was not parsed, if it was present.
func (m *KPIReport) PayloadErr() error { return m.payloadErr }

// RecommendationRequest has the KPI payload shape; the sender expects exactly
// one reply frame.
type RecommendationRequest struct {
	KPIReport
}

func (m *RecommendationRequest) Kind() Kind { return KindRecommendationRequest }

// Control is a directive for xApps, produced by the AI engine or injected
// through the command interface.
type Control struct {
	MEID FlexString      `json:"meid"`
	Cmd  json.RawMessage `json:"cmd"`
	raw  []byte
}

func (m *Control) Kind() Kind  { return KindControl }
func (m *Control) Raw() []byte { return m.raw }

// Unknown carries an unrecognised type value; it is logged and ignored.
type Unknown struct {
	Type string
	raw  []byte
}

func (m *Unknown) Kind() Kind  { return Kind(m.Type) }
func (m *Unknown) Raw() []byte { return m.raw }

type controlWire struct {
	Type Kind            `json:"type"`
	MEID string          `json:"meid"`
	Cmd  json.RawMessage `json:"cmd"`
}

// NewControl builds a control message and its wire encoding.
func NewControl(meid string, cmd json.RawMessage) (*Control, error) {
	raw, err := json.Marshal(controlWire{Type: KindControl, MEID: meid, Cmd: cmd})
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}
	return &Control{MEID: FlexString(meid), Cmd: cmd, raw: raw}, nil
}

// Decode parses a frame body into one of the message variants.
func Decode(payload []byte) (Message, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == nil {
		return &Unknown{Type: "unknown", raw: payload}, nil
	}

	switch Kind(*envelope.Type) {
	case KindKPI:
		report := decodeReport(payload)
		return &report, nil
	case KindRecommendationRequest:
		return &RecommendationRequest{KPIReport: decodeReport(payload)}, nil
	case KindControl:
		msg := &Control{raw: payload}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("%w: control: %v", ErrMalformedMessage, err)
		}
		return msg, nil
	default:
		return &Unknown{Type: *envelope.Type, raw: payload}, nil
	}
}

// decodeReport reads meid and kpi without rejecting the frame. Only the
// type decides routing, so an unexpected field shape leaves that field
// empty instead of failing.
func decodeReport(payload []byte) KPIReport {
	report := KPIReport{raw: payload}

	var wire struct {
		MEID json.RawMessage `json:"meid"`
		KPI  json.RawMessage `json:"kpi"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		report.payloadErr = err
		return report
	}

	if len(wire.MEID) > 0 {
		var meid FlexString
		if err := meid.UnmarshalJSON(wire.MEID); err == nil {
			report.MEID = meid
		}
	}

	kpi := bytes.TrimSpace(wire.KPI)
	if len(kpi) == 0 || bytes.Equal(kpi, []byte("null")) {
		return report
	}
	var p KPIPayload
	if err := json.Unmarshal(kpi, &p); err != nil {
		report.payloadErr = fmt.Errorf("kpi payload: %w", err)
		return report
	}
	report.KPI = &p
	return report
}
