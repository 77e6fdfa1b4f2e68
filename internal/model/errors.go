package model

import "errors"

var (
	// ErrNotFound is returned when a chat or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotShared is returned when a share token does not resolve to a shared chat.
	ErrNotShared = errors.New("chat not found or not shared")
	// ErrNoActiveChat is returned by operations that need a selected chat.
	ErrNoActiveChat = errors.New("no active chat")
	// ErrNoSession is returned when no user is signed in.
	ErrNoSession = errors.New("no active session")
)
