// Package membership reads the server and membership facts owned by the
// server management service.
package membership

import "time"

type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
