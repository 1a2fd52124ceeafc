package room

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room full")
	ErrPlayerExists       = errors.New("player already in room")
	ErrPlayerNotFound     = errors.New("player not in room")
	ErrInvalidRoomType    = errors.New("invalid room type")
	ErrInvalidCode        = errors.New("room code must be 4 digits")
	ErrCodeInUse          = errors.New("room code already in use")
	ErrCodeSpaceExhausted = errors.New("no free room code")
)
