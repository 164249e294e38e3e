package capi

// EventPayload is the wire shape of a single conversion event as accepted by
// the destination's /{pixel_id}/events endpoint.
type EventPayload struct {
	EventName      string                 `json:"event_name"`
	EventTime      int64                  `json:"event_time"`
	EventID        string                 `json:"event_id"`
	ActionSource   string                 `json:"action_source"`
	EventSourceURL string                 `json:"event_source_url,omitempty"`
	UserData       map[string]string      `json:"user_data"`
	CustomData     map[string]interface{} `json:"custom_data,omitempty"`
}

// Action sources recognized by the destination. Events carrying live browser
// correlation tokens report as website traffic; backfilled or enrichment
// events without a web session report as system generated.
const (
	ActionSourceWebsite         = "website"
	ActionSourceSystemGenerated = "system_generated"
)

// sendRequest is the envelope POSTed to the destination.
type sendRequest struct {
	Data          []EventPayload `json:"data"`
	AccessToken   string         `json:"access_token"`
	TestEventCode string         `json:"test_event_code,omitempty"`
}

// sendResponse is the destination's success body. events_received below 1 on
// a 2xx response is a logical rejection, not a success.
type sendResponse struct {
	EventsReceived int       `json:"events_received"`
	FBTraceID      string    `json:"fbtrace_id"`
	Messages       []string  `json:"messages,omitempty"`
	Error          *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id"`
}

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// OutcomeSent: HTTP success and the destination accepted the event.
	OutcomeSent Outcome = iota
	// OutcomeRejected: the destination answered but did not accept the event
	// (2xx with zero events_received, or a structured error body).
	OutcomeRejected
	// OutcomeTransportError: network failure, timeout, or non-2xx status.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRejected:
		return "rejected"
	default:
		return "transport_error"
	}
}

// Result is the structured outcome of one delivery attempt, with enough raw
// detail (status, truncated body, trace id) for operator diagnosis.
type Result struct {
	Outcome        Outcome
	EventsReceived int
	HTTPStatus     int
	Body           string
	TraceID        string
	Err            error
}
