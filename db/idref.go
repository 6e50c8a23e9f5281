package db

import (
	"go.mongodb.org/mongo-driver/bson/primitive"

	"atlas.crawlops.org/common"
)

// IdRef is the opaque document identifier used as the primary key of
// every persisted entity: 12 bytes canonical, printed as 24 lowercase hex
// characters.
type IdRef = primitive.ObjectID

// NilIdRef is the zero identifier.
var NilIdRef = primitive.NilObjectID

// NewIdRef generates a fresh identifier.
func NewIdRef() IdRef {
	return primitive.NewObjectID()
}

// ParseIdRef converts the 24-hex-char string form into an IdRef. A
// malformed string surfaces common.ErrInvalidIdentifier, never a
// store-layer crash.
func ParseIdRef(s string) (IdRef, error) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return NilIdRef, common.InvalidIdentifier(s)
	}
	return id, nil
}

// FormatIdRef renders an IdRef as its canonical hex string.
func FormatIdRef(id IdRef) string {
	return id.Hex()
}
