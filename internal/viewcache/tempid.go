package viewcache

import "github.com/oklog/ulid/v2"

const tempIDPrefix = "tmp-"

// NewTempID issues a client-side temporary id for an optimistic item. ULIDs
// are time-ordered, so optimistic items sort sensibly against each other
// even before the backend assigns authoritative ids.
func NewTempID() string {
	return tempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether an id was issued by NewTempID.
func IsTempID(id string) bool {
	return len(id) > len(tempIDPrefix) && id[:len(tempIDPrefix)] == tempIDPrefix
}
