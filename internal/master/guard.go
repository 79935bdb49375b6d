package master

import (
	"net/http"
	"strconv"
	"strings"
)

// SerialHeader carries the last serial the index had applied when it
// rendered the response.
const SerialHeader = "X-PYPI-LAST-SERIAL"

type requirement uint8

const (
	requirementUnset requirement = iota
	requirementNone
	requirementAtLeast
)

// RequiredSerial is the freshness a caller demands from a guarded fetch.
//
// The zero value is not usable. Callers must pick AtLeast or, knowingly,
// NoSerialRequirement: skipping the check lets cached pages into the mirror.
type RequiredSerial struct {
	mode   requirement
	serial int64
}

// AtLeast requires the response serial to be >= serial.
func AtLeast(serial int64) RequiredSerial {
	return RequiredSerial{mode: requirementAtLeast, serial: serial}
}

// NoSerialRequirement disables the freshness check for one request.
func NoSerialRequirement() RequiredSerial {
	return RequiredSerial{mode: requirementNone}
}

// Serial returns the required serial and whether one is required.
func (r RequiredSerial) Serial() (int64, bool) {
	return r.serial, r.mode == requirementAtLeast
}

func (r RequiredSerial) String() string {
	switch r.mode {
	case requirementNone:
		return "none"
	case requirementAtLeast:
		return strconv.FormatInt(r.serial, 10)
	}
	return "unset"
}

// ObservedSerial reads SerialHeader from h. A missing or malformed header
// yields ok == false.
func ObservedSerial(h http.Header) (serial int64, ok bool) {
	v := strings.TrimSpace(h.Get(SerialHeader))
	if v == "" {
		return 0, false
	}
	serial, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return serial, true
}

// CheckFresh returns a *StaleResponseError when the observed serial cannot
// prove the response is at least as new as required.
func CheckFresh(path string, required RequiredSerial, observed int64, hasObserved bool) error {
	switch required.mode {
	case requirementNone:
		return nil
	case requirementUnset:
		return ErrSerialRequirementUnspecified
	}
	if !hasObserved || observed < required.serial {
		return &StaleResponseError{
			Path:        path,
			Required:    required.serial,
			Observed:    observed,
			HasObserved: hasObserved,
		}
	}
	return nil
}
