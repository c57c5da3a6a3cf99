package channels

import "errors"

var (
	// ErrNotConnected is returned by Send on a channel that is not live.
	ErrNotConnected = errors.New("channel not connected")

	// ErrNotStarted marks a channel that cannot operate because its
	// network integration is missing. Missing tokens are not in this
	// class: an unconfigured channel starts as a no-op and stays idle.
	ErrNotStarted = errors.New("channel not started")

	// ErrUnknownChannel is returned by registry lookups for ids that were
	// never registered.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNoDestination is returned when an outbound send has no explicit
	// destination and no recorded delivery context to fall back on.
	ErrNoDestination = errors.New("no destination for send")
)
