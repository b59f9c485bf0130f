package session

import "github.com/google/uuid"

// IDProvider issues opaque identifiers for sessions, players, markers,
// messages and deltas.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
// Session ids double as the join credential, so they must be unguessable;
// uuid.NewV7 draws its random component from crypto/rand.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
