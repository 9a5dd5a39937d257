package chat

import "github.com/pkg/errors"

var (
	// ErrConnectFailed: the transport could not be established.
	ErrConnectFailed = errors.New("connect failed")
	// ErrHistoryFetchFailed: history is unavailable; live messaging still works.
	ErrHistoryFetchFailed = errors.New("history fetch failed")
	// ErrNotConnected: the handle is not joined and not reconnecting.
	ErrNotConnected = errors.New("not connected")
	// ErrUnavailable: the handle is reconnecting and its send queue is full,
	// or a write on the live connection failed.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrRoomMismatch: a delivered frame does not belong to the joined room.
	ErrRoomMismatch = errors.New("room mismatch")

	ErrAlreadyJoined = errors.New("handle already joined")
	// ErrClosed is a NotConnected error for handles that were closed.
	ErrClosed = errors.WithMessage(ErrNotConnected, "handle closed")

	ErrEmptyMessage    = errors.New("message text is empty")
	ErrMissingIdentity = errors.New("local identity has no user id")
)
