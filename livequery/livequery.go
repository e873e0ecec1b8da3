package livequery

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// opaque connection/client id
// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// uuid-shaped wire form
func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// a decoded JSON record as produced by the platform write pipeline.
// carries at least `objectId` and `className`, optionally `ACL`
type Record = map[string]any

func recordClassName(record Record) string {
	className, _ := record["className"].(string)
	return className
}
