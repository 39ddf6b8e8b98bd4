package record

import "github.com/google/uuid"

// User is the caller identity carried through upload/delete authorization
// checks. Registration, password reset, and session management are external
// collaborators; only the shape and the id-derivation rule live here.
type User struct {
	ID             string `bson:"_id" json:"id"`
	Username       string `bson:"username" json:"username"`
	Email          string `bson:"email" json:"email,omitempty"`
	HashedPassword string `bson:"hashed_password" json:"-"`
	CanUpload      bool   `bson:"can_upload" json:"can_upload"`
	CanDelete      bool   `bson:"can_delete" json:"can_delete"`
	Disabled       bool   `bson:"disabled" json:"disabled"`
}

// UserID is the UUIDv5 of the username under the OID namespace, mirroring
// the record identity scheme so both entities share one derivation rule.
func UserID(username string) string {
	return uuid.NewSHA1(namespaceOID, []byte(username)).String()
}
