package chat

import "errors"

// Membership and validation errors surface to callers as rejected requests.
var (
	ErrNotAMember        = errors.New("not a member of conversation")
	ErrNotAGroup         = errors.New("conversation is not a group")
	ErrAlreadyExists     = errors.New("conversation already exists")
	ErrInvalidMembership = errors.New("invalid membership")
	ErrArchived          = errors.New("conversation is archived")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyAMember    = errors.New("already a member of conversation")
)

// Delivery errors. ErrUnknownRecord and ErrInvalidTransition are discarded at
// the transport callback boundary; ErrStaleDispatch never leaves the daemon.
var (
	ErrUnknownRecord     = errors.New("unknown delivery record")
	ErrInvalidTransition = errors.New("invalid delivery transition")
	ErrStaleDispatch     = errors.New("stale dispatch")
)
