// internal/registry/errors.go
package registry

import "errors"

// ErrTeamNameLive is returned by Register when a team connection with the
// same name is already live in the room.
var ErrTeamNameLive = errors.New("team name already connected in this room")
