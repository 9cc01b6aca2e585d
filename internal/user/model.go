package user

import "time"

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is who a connection speaks as. The zero value is the anonymous identity.
type Identity struct {
	ID       int64
	Username string
}

// Anonymous is the identity of a connection without a usable credential.
var Anonymous = Identity{}

func (i Identity) IsAnonymous() bool {
	return i.ID == 0
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}
