package registry

import (
	"errors"
	"time"
)

// timeNow is a package-level variable for testability.
// Tests can replace this to control time in assertions.
var timeNow = time.Now

// Sentinel errors for registry lookups and writes. Callers match them with
// errors.Is.
var (
	ErrInvalidID     = errors.New("element id is empty")
	ErrNotFound      = errors.New("element not found")
	ErrAlreadyExists = errors.New("element already registered")
)

// Point is a position in the design plane.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element is one record of the design model catalog. The id is assigned by
// the external design process and is opaque to the registry.
type Element struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Location    *Point            `json:"location,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ModifiedAt  time.Time         `json:"modified_at"`
}

// clone returns a deep copy so callers never hold pointers into the store.
func (e *Element) clone() *Element {
	out := *e
	if e.Location != nil {
		loc := *e.Location
		out.Location = &loc
	}
	if e.Properties != nil {
		out.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

// Update holds partial element changes. Nil fields are left unchanged.
// Properties entries merge key-wise; an empty value deletes the key.
type Update struct {
	Type        *string           `json:"type,omitempty"`
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Location    *Point            `json:"location,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Stats holds aggregate registry statistics.
type Stats struct {
	Total          int            `json:"total"`
	ByType         map[string]int `json:"by_type"`
	RecentCount    int            `json:"recent_count"`
	RecentCapacity int            `json:"recent_capacity"`
}
