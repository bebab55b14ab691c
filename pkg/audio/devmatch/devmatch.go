// Package devmatch resolves configured endpoint names against the sound
// devices reported by the host.
//
// Device names differ between hosts and driver versions ("CABLE Output
// (VB-Audio Virtual Cable)", "CABLE Output (VB-Audio Virtual C", ...), so a
// name is matched in three passes:
//
//  1. Exact, case-insensitive equality.
//  2. Case-insensitive substring.
//  3. Jaro-Winkler similarity on the name with any parenthesised suffix
//     stripped, accepted above a configurable threshold (default 0.85).
//
// Only devices that can serve the requested [Role] take part. A name that
// says which side of a cable it means ("input" or "output", typos allowed)
// is fuzzily matched only against devices naming the same side, since the
// two sides of a cable differ in that one word.
package devmatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultThreshold is the minimum Jaro-Winkler score for a fuzzy match.
	DefaultThreshold = 0.85

	// VirtualCableCapture is the device the caller's audio is read from when
	// routing through a virtual audio cable.
	VirtualCableCapture = "CABLE Output"

	// VirtualCableRender is the device the agent's audio is written to when
	// routing through a virtual audio cable.
	VirtualCableRender = "CABLE Input"

	sideThreshold = 0.9
)

var sides = []string{"input", "output"}

// ErrNoMatch is returned when no device satisfies a lookup.
var ErrNoMatch = errors.New("devmatch: no matching device")

// Role selects the stream direction a device must support.
type Role int

const (
	// RoleCapture requires input channels.
	RoleCapture Role = iota
	// RoleRender requires output channels.
	RoleRender
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleCapture:
		return "capture"
	case RoleRender:
		return "render"
	default:
		return "unknown"
	}
}

// Device is the host-independent view of a sound device.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	InputChannels     int
	OutputChannels    int
	DefaultSampleRate float64
}

// Supports reports whether d can serve role.
func (d Device) Supports(r Role) bool {
	switch r {
	case RoleCapture:
		return d.InputChannels > 0
	case RoleRender:
		return d.OutputChannels > 0
	default:
		return false
	}
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum Jaro-Winkler score for a fuzzy match.
// Values outside (0, 1] are ignored.
func WithThreshold(t float64) Option {
	return func(m *Matcher) {
		if t > 0 && t <= 1 {
			m.threshold = t
		}
	}
}

// Matcher finds devices by name. It is read-only after construction and safe
// for concurrent use.
type Matcher struct {
	threshold float64
}

// New returns a [Matcher] with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: DefaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Find returns the device in devices whose name best matches name for role.
func (m *Matcher) Find(devices []Device, name string, role Role) (Device, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return Device{}, fmt.Errorf("%w: empty %s device name", ErrNoMatch, role)
	}

	var candidates []Device
	for _, d := range devices {
		if d.Supports(role) {
			candidates = append(candidates, d)
		}
	}

	for _, d := range candidates {
		if strings.EqualFold(strings.TrimSpace(d.Name), want) {
			return d, nil
		}
	}
	for _, d := range candidates {
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}

	var (
		best      Device
		bestScore float64
	)
	wantSide := side(want)
	for _, d := range candidates {
		if wantSide != "" && side(d.Name) != wantSide {
			continue
		}
		if s := score(want, d.Name); s > bestScore {
			best, bestScore = d, s
		}
	}
	if bestScore >= m.threshold {
		return best, nil
	}
	return Device{}, fmt.Errorf("%w: %s device %q", ErrNoMatch, role, name)
}

// ResolveVirtualCable returns the capture and render sides of a virtual
// audio cable.
func (m *Matcher) ResolveVirtualCable(devices []Device) (capture, render Device, err error) {
	capture, cerr := m.Find(devices, VirtualCableCapture, RoleCapture)
	render, rerr := m.Find(devices, VirtualCableRender, RoleRender)
	if err := errors.Join(cerr, rerr); err != nil {
		return Device{}, Device{}, err
	}
	return capture, render, nil
}

func score(want, name string) float64 {
	lower := strings.ToLower(strings.TrimSpace(name))
	s := matchr.JaroWinkler(want, lower, false)
	if i := strings.IndexByte(lower, '('); i > 0 {
		if t := matchr.JaroWinkler(want, strings.TrimSpace(lower[:i]), false); t > s {
			s = t
		}
	}
	return s
}

// side returns "input" or "output" when a word of name is one of them, or ""
// when name names neither.
func side(name string) string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		for _, sd := range sides {
			if matchr.JaroWinkler(w, sd, false) >= sideThreshold {
				return sd
			}
		}
	}
	return ""
}
