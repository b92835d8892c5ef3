package session

import (
	"context"
	"encoding/json"
)

// Capability is an action the assistant may invoke on behalf of a session,
// such as looking up account data. None ship yet; sessions expose whatever
// the registry was configured with.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}
