// Package spectrum holds the channel request model and the pure predicates used
// to decide whether a channelizer or an existing grant can serve a request.
package spectrum

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// edgeResolutionHz is the granularity band edges are rounded to before they are
// compared, so that center/bandwidth float arithmetic cannot flip a boundary.
const edgeResolutionHz = 1e-3

// ChannelSpec is a contiguous frequency band.
type ChannelSpec struct {
	CenterFrequency float64 // Hz
	Bandwidth       float64 // Hz
}

// NewChannelSpec builds a spec and rejects non-positive bandwidths.
func NewChannelSpec(centerFrequency, bandwidth float64) (ChannelSpec, error) {
	s := ChannelSpec{CenterFrequency: centerFrequency, Bandwidth: bandwidth}
	if err := s.Validate(); err != nil {
		return ChannelSpec{}, err
	}
	return s, nil
}

// SpecFromEdges builds a spec from its low and high edges.
func SpecFromEdges(low, high float64) ChannelSpec {
	return ChannelSpec{
		CenterFrequency: low + (high-low)/2,
		Bandwidth:       high - low,
	}
}

// Validate reports whether the spec describes a usable band.
func (s ChannelSpec) Validate() error {
	if math.IsNaN(s.Bandwidth) || s.Bandwidth <= 0 {
		return fmt.Errorf("bandwidth must be positive, got %v", s.Bandwidth)
	}
	if math.IsNaN(s.CenterFrequency) || math.IsInf(s.CenterFrequency, 0) {
		return fmt.Errorf("invalid center frequency %v", s.CenterFrequency)
	}
	return nil
}

// Low returns the lower band edge in Hz.
func (s ChannelSpec) Low() float64 { return s.CenterFrequency - s.Bandwidth/2 }

// High returns the upper band edge in Hz.
func (s ChannelSpec) High() float64 { return s.CenterFrequency + s.Bandwidth/2 }

func (s ChannelSpec) String() string {
	return fmt.Sprintf("%.3fHz±%.3fHz", s.CenterFrequency, s.Bandwidth/2)
}

// ChannelRequest is a desired channel plus the constraints a channelizer must meet.
type ChannelRequest struct {
	Spec ChannelSpec
	// SampleRate is the requested output rate in samples per second.
	SampleRate int64
	// MaxRateDiff is how far the delivered rate may stray from SampleRate.
	MaxRateDiff int64
	// Polarization 0 means any.
	Polarization int32
	Latitude     float64
	Longitude    float64
	// MaxLocationDiff is in kilometers; <= 0 means unconstrained.
	MaxLocationDiff float64
}

// Validate checks the request is internally consistent.
func (r ChannelRequest) Validate() error {
	if err := r.Spec.Validate(); err != nil {
		return fmt.Errorf("channel spec: %w", err)
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", r.SampleRate)
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", r.Latitude)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", r.Longitude)
	}
	return nil
}

// Capability is what a single channelizer advertises.
type Capability struct {
	Spec         ChannelSpec
	Latitude     float64
	Longitude    float64
	Polarization int32
}

// ChannelGrant is an allocation a broker already holds.
type ChannelGrant struct {
	ID   uint64
	Spec ChannelSpec
}

// KmDistanceBetween returns the great-circle (haversine) distance in kilometers
// between two latitude/longitude pairs given in degrees.
func KmDistanceBetween(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

// IsLocal reports whether the capability is within the request's location bound.
func IsLocal(c Capability, r ChannelRequest) bool {
	if r.MaxLocationDiff <= 0 {
		return true
	}
	return KmDistanceBetween(c.Latitude, c.Longitude, r.Latitude, r.Longitude) <= r.MaxLocationDiff
}

// PolarizationCompatible reports whether the capability's polarization is acceptable.
func PolarizationCompatible(c Capability, r ChannelRequest) bool {
	return r.Polarization == 0 || r.Polarization == c.Polarization
}

// Contains reports whether offered fully encloses requested. Edges are inclusive.
func Contains(offered, requested ChannelSpec) bool {
	if requested.Bandwidth > offered.Bandwidth {
		return false
	}
	return roundEdge(offered.Low()) <= roundEdge(requested.Low()) &&
		roundEdge(requested.High()) <= roundEdge(offered.High())
}

func roundEdge(hz float64) float64 {
	return math.Round(hz/edgeResolutionHz) * edgeResolutionHz
}

// Satisfies reports whether a channelizer capability can serve the request.
func Satisfies(c Capability, r ChannelRequest) bool {
	return PolarizationCompatible(c, r) && IsLocal(c, r) && Contains(c.Spec, r.Spec)
}

// GrantSatisfies reports whether an existing grant can be multiplexed for the request.
func GrantSatisfies(g ChannelGrant, r ChannelRequest) bool {
	return Contains(g.Spec, r.Spec)
}

// AnySatisfies reports whether at least one capability serves the request.
func AnySatisfies(caps []Capability, r ChannelRequest) bool {
	for _, c := range caps {
		if Satisfies(c, r) {
			return true
		}
	}
	return false
}

// FindGrant returns the first grant, in order, that can serve the request.
func FindGrant(grants []ChannelGrant, r ChannelRequest) (ChannelGrant, bool) {
	for _, g := range grants {
		if GrantSatisfies(g, r) {
			return g, true
		}
	}
	return ChannelGrant{}, false
}
