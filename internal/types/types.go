package types

import "time"

// UnknownID is the id carried by the not-found Person sentinel.
const UnknownID = -1

// UnknownName is the display name of the not-found Person sentinel.
const UnknownName = "Unknown"

// Frame is a single JPEG image captured from the camera.
// Data must not be modified after the frame is published.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}

// Embedding is a fixed-length face descriptor produced by the inference worker.
type Embedding []float64

// Person is one enrolled roster entry.
type Person struct {
	ID         int
	CardID     string
	Name       string
	Image      []byte // reference face photo (JPEG)
	EnrolledAt time.Time
}

// Unknown returns the sentinel used whenever a lookup finds nobody.
func Unknown() Person {
	return Person{ID: UnknownID, Name: UnknownName}
}

// IsUnknown reports whether p is the not-found sentinel.
func (p Person) IsUnknown() bool {
	return p.ID == UnknownID
}

// Decision is the result of matching one face against the roster.
type Decision struct {
	Person   Person
	Distance float64
	Matched  bool
}

// NoMatch is the Decision for an unrecognized, missing, or unreadable face.
func NoMatch() Decision {
	return Decision{Person: Unknown(), Distance: -1}
}

// FaceResult is one detected face as decoded from the worker protocol.
type FaceResult struct {
	Loc     [4]int // [top, right, bottom, left]
	Vec     []float64
	Quality float64
}
