package types

import "time"

// Session is a stream opened by a consumer against a single ISPB
type Session struct {
	// ID is the system generated unique id of the session
	ID string
	// ISPB is the partition key the session streams from
	ISPB string
	// Active is true until the stream is terminated
	Active bool
	// CreatedAt is the time the session was created
	CreatedAt time.Time
	// LastPullAt is the time of the most recent poll that delivered messages to this session
	LastPullAt time.Time
}

// StreamStats describes the streams open for an ISPB
type StreamStats struct {
	ISPB string
	// Active is the number of active sessions for the ISPB
	Active int
	// MaxActive is the configured cap of active sessions
	MaxActive int
}
