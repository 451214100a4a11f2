// Package proto is the chnlzr wire vocabulary: a length-framed, CBOR-encoded
// message envelope for the TCP control connection and the fixed binary layout of
// sample datagrams on the multicast transport.
package proto

import (
	"errors"
	"fmt"

	"github.com/rjboer/gochnlzr/internal/spectrum"
)

var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrMalformedDatagram = errors.New("malformed sample datagram")
)

// MessageType identifies the body carried by a Message.
type MessageType uint8

const (
	TypeHeartbeat MessageType = iota + 1
	TypeGetBrokerList
	TypeBrokerList
	TypeBrokerState
	TypeChannelRequest
	TypeMultiplexRequest
	TypeChannelResponse
	TypeChannelState
	TypeSamples
	TypeCapabilities
	TypeError
)

func (t MessageType) String() string {
	switch t {
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeGetBrokerList:
		return "GET_BROKER_LIST"
	case TypeBrokerList:
		return "BROKER_LIST"
	case TypeBrokerState:
		return "BROKER_STATE"
	case TypeChannelRequest:
		return "CHANNEL_REQUEST"
	case TypeMultiplexRequest:
		return "MULTIPLEX_REQUEST"
	case TypeChannelResponse:
		return "CHANNEL_RESPONSE"
	case TypeChannelState:
		return "CHANNEL_STATE"
	case TypeSamples:
		return "SAMPLES"
	case TypeCapabilities:
		return "CAPABILITIES"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message is the envelope exchanged on the control connection. Exactly the body
// matching Type is set.
type Message struct {
	Type             MessageType       `cbor:"1,keyasint"`
	BrokerList       *BrokerList       `cbor:"2,keyasint,omitempty"`
	BrokerState      *BrokerState      `cbor:"3,keyasint,omitempty"`
	ChannelRequest   *ChannelRequest   `cbor:"4,keyasint,omitempty"`
	MultiplexRequest *MultiplexRequest `cbor:"5,keyasint,omitempty"`
	ChannelResponse  *ChannelResponse  `cbor:"6,keyasint,omitempty"`
	ChannelState     *ChannelState     `cbor:"7,keyasint,omitempty"`
	Samples          *Samples          `cbor:"8,keyasint,omitempty"`
	Capabilities     *Capabilities     `cbor:"9,keyasint,omitempty"`
	Error            *ErrorReport      `cbor:"10,keyasint,omitempty"`
}

type BrokerList struct {
	Brokers []BrokerHost `cbor:"1,keyasint"`
}

type BrokerState struct {
	Channelizers []Capabilities `cbor:"1,keyasint,omitempty"`
	Grants       []Grant        `cbor:"2,keyasint,omitempty"`
}

type Capabilities struct {
	CenterFrequency float64 `cbor:"1,keyasint"`
	Bandwidth       float64 `cbor:"2,keyasint"`
	Latitude        float64 `cbor:"3,keyasint"`
	Longitude       float64 `cbor:"4,keyasint"`
	Polarization    int32   `cbor:"5,keyasint"`
}

type Grant struct {
	ID              uint64  `cbor:"1,keyasint"`
	CenterFrequency float64 `cbor:"2,keyasint"`
	Bandwidth       float64 `cbor:"3,keyasint"`
}

type ChannelRequest struct {
	CenterFrequency float64 `cbor:"1,keyasint"`
	Bandwidth       float64 `cbor:"2,keyasint"`
	SampleRate      int64   `cbor:"3,keyasint"`
	MaxRateDiff     int64   `cbor:"4,keyasint"`
	Polarization    int32   `cbor:"5,keyasint"`
	Latitude        float64 `cbor:"6,keyasint"`
	Longitude       float64 `cbor:"7,keyasint"`
	MaxLocationDiff float64 `cbor:"8,keyasint"`
}

type MultiplexRequest struct {
	GrantID uint64 `cbor:"1,keyasint"`
}

// ChannelResponse reports the outcome of a request; Error 0 means granted.
type ChannelResponse struct {
	Error     uint32 `cbor:"1,keyasint"`
	ChannelID uint64 `cbor:"2,keyasint"`
}

type ChannelState struct {
	SampleRate      int64   `cbor:"1,keyasint"`
	CenterFrequency float64 `cbor:"2,keyasint"`
}

// Samples carries interleaved I/Q float32 pairs for one channel.
type Samples struct {
	ChannelID uint64    `cbor:"1,keyasint"`
	IQ        []float32 `cbor:"2,keyasint"`
}

type ErrorReport struct {
	Code uint32 `cbor:"1,keyasint"`
}

// Validate checks that the envelope carries the body its type announces.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	var present bool
	switch m.Type {
	case TypeHeartbeat, TypeGetBrokerList:
		present = true
	case TypeBrokerList:
		present = m.BrokerList != nil
	case TypeBrokerState:
		present = m.BrokerState != nil
	case TypeChannelRequest:
		present = m.ChannelRequest != nil
	case TypeMultiplexRequest:
		present = m.MultiplexRequest != nil
	case TypeChannelResponse:
		present = m.ChannelResponse != nil
	case TypeChannelState:
		present = m.ChannelState != nil
	case TypeSamples:
		if m.Samples != nil && len(m.Samples.IQ)%2 != 0 {
			return fmt.Errorf("%w: odd number of I/Q values (%d)", ErrMalformedMessage, len(m.Samples.IQ))
		}
		present = m.Samples != nil
	case TypeCapabilities:
		present = m.Capabilities != nil
	case TypeError:
		present = m.Error != nil
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, uint8(m.Type))
	}
	if !present {
		return fmt.Errorf("%w: %s without body", ErrMalformedMessage, m.Type)
	}
	return nil
}

// ---------- constructors ----------

func NewHeartbeat() *Message     { return &Message{Type: TypeHeartbeat} }
func NewGetBrokerList() *Message { return &Message{Type: TypeGetBrokerList} }

func NewBrokerList(hosts []BrokerHost) *Message {
	return &Message{Type: TypeBrokerList, BrokerList: &BrokerList{Brokers: hosts}}
}

func NewBrokerState(caps []spectrum.Capability, grants []spectrum.ChannelGrant) *Message {
	st := &BrokerState{}
	for _, c := range caps {
		st.Channelizers = append(st.Channelizers, CapabilitiesFrom(c))
	}
	for _, g := range grants {
		st.Grants = append(st.Grants, Grant{
			ID:              g.ID,
			CenterFrequency: g.Spec.CenterFrequency,
			Bandwidth:       g.Spec.Bandwidth,
		})
	}
	return &Message{Type: TypeBrokerState, BrokerState: st}
}

func NewChannelRequest(r spectrum.ChannelRequest) *Message {
	return &Message{Type: TypeChannelRequest, ChannelRequest: &ChannelRequest{
		CenterFrequency: r.Spec.CenterFrequency,
		Bandwidth:       r.Spec.Bandwidth,
		SampleRate:      r.SampleRate,
		MaxRateDiff:     r.MaxRateDiff,
		Polarization:    r.Polarization,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		MaxLocationDiff: r.MaxLocationDiff,
	}}
}

func NewMultiplexRequest(grantID uint64) *Message {
	return &Message{Type: TypeMultiplexRequest, MultiplexRequest: &MultiplexRequest{GrantID: grantID}}
}

func NewChannelResponse(errCode uint32, channelID uint64) *Message {
	return &Message{Type: TypeChannelResponse, ChannelResponse: &ChannelResponse{Error: errCode, ChannelID: channelID}}
}

func NewChannelState(sampleRate int64, centerFrequency float64) *Message {
	return &Message{Type: TypeChannelState, ChannelState: &ChannelState{SampleRate: sampleRate, CenterFrequency: centerFrequency}}
}

func NewSamples(f SampleFrame) *Message {
	iq := make([]float32, 0, 2*len(f.Samples))
	for _, s := range f.Samples {
		iq = append(iq, real(s), imag(s))
	}
	return &Message{Type: TypeSamples, Samples: &Samples{ChannelID: f.ChannelID, IQ: iq}}
}

func NewCapabilities(c spectrum.Capability) *Message {
	body := CapabilitiesFrom(c)
	return &Message{Type: TypeCapabilities, Capabilities: &body}
}

func NewError(code uint32) *Message {
	return &Message{Type: TypeError, Error: &ErrorReport{Code: code}}
}

// ---------- conversions ----------

// CapabilitiesFrom converts a matcher capability into its wire form.
func CapabilitiesFrom(c spectrum.Capability) Capabilities {
	return Capabilities{
		CenterFrequency: c.Spec.CenterFrequency,
		Bandwidth:       c.Spec.Bandwidth,
		Latitude:        c.Latitude,
		Longitude:       c.Longitude,
		Polarization:    c.Polarization,
	}
}

func (c Capabilities) Capability() spectrum.Capability {
	return spectrum.Capability{
		Spec:         spectrum.ChannelSpec{CenterFrequency: c.CenterFrequency, Bandwidth: c.Bandwidth},
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		Polarization: c.Polarization,
	}
}

func (g Grant) ChannelGrant() spectrum.ChannelGrant {
	return spectrum.ChannelGrant{
		ID:   g.ID,
		Spec: spectrum.ChannelSpec{CenterFrequency: g.CenterFrequency, Bandwidth: g.Bandwidth},
	}
}

// SpectrumCapabilities returns the advertised channelizers in matcher form.
func (s *BrokerState) SpectrumCapabilities() []spectrum.Capability {
	out := make([]spectrum.Capability, 0, len(s.Channelizers))
	for _, c := range s.Channelizers {
		out = append(out, c.Capability())
	}
	return out
}

// SpectrumGrants returns the broker's existing grants in matcher form.
func (s *BrokerState) SpectrumGrants() []spectrum.ChannelGrant {
	out := make([]spectrum.ChannelGrant, 0, len(s.Grants))
	for _, g := range s.Grants {
		out = append(out, g.ChannelGrant())
	}
	return out
}

func (r *ChannelRequest) Request() spectrum.ChannelRequest {
	return spectrum.ChannelRequest{
		Spec:            spectrum.ChannelSpec{CenterFrequency: r.CenterFrequency, Bandwidth: r.Bandwidth},
		SampleRate:      r.SampleRate,
		MaxRateDiff:     r.MaxRateDiff,
		Polarization:    r.Polarization,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		MaxLocationDiff: r.MaxLocationDiff,
	}
}

// Frame converts the in-band payload into a SampleFrame.
func (s *Samples) Frame() SampleFrame {
	out := make([]complex64, len(s.IQ)/2)
	for i := range out {
		out[i] = complex(s.IQ[2*i], s.IQ[2*i+1])
	}
	return SampleFrame{ChannelID: s.ChannelID, Samples: out}
}
