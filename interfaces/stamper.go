package interfaces

import "context"

// Stamp is a credential-backed signature over an outbound request body,
// carried in a single HTTP header.
type Stamp struct {
	Header string
	Value  string
}

// Stamper signs request bodies with whatever credential it holds.
type Stamper interface {
	Stamp(ctx context.Context, body []byte) (*Stamp, error)
}
