package types

// Representation is the shape a consumer asked the response to take. It also
// decides how many messages a single poll may claim.
type Representation int

const (
	// RepresentationSingle renders a single message object. It is the default.
	RepresentationSingle Representation = iota
	// RepresentationBatch renders an array of messages
	RepresentationBatch
)

func (r Representation) String() string {
	if r == RepresentationBatch {
		return "batch"
	}
	return "single"
}

type ListOptions struct {
	// Pivot is the storage id to start listing from. The pivot is included in the results.
	Pivot string
	// Limit is the maximum number of messages to return
	Limit int
}

// ClaimRequest asks the store to claim up to Limit unclaimed messages for ISPB
type ClaimRequest struct {
	// ISPB is the partition to claim from
	ISPB string
	// Limit is the maximum number of messages to claim
	Limit int
	// SessionID is recorded as the owner of the claim, may be empty
	SessionID string
}

// PollRequest is a single start or continue request made by a stream consumer
type PollRequest struct {
	// ISPB is the partition the consumer is streaming from
	ISPB string
	// InteractionID is the cursor echoed from the previous Pull-Next. Empty on start.
	InteractionID string
	// Start is true if this request opens a new stream
	Start bool
	// Representation is the representation the consumer negotiated
	Representation Representation
}

// PollResult is the outcome of a PollRequest
type PollResult struct {
	// Messages claimed by this poll, empty if nothing was available
	Messages []*Message
	// Representation the messages should be rendered as
	Representation Representation
	// InteractionID is the cursor the consumer should poll next
	InteractionID string
	// SessionID is the session the messages were claimed by, if any
	SessionID string
}
