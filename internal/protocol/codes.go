package protocol

// Short error kinds carried in ERROR frame payloads. Device SDKs switch on
// these, so they are part of the wire contract.
const (
	CodeMalformedFrame         = "malformed_frame"
	CodeInvalidSubject         = "invalid_subject"
	CodePayloadTooLarge        = "payload_too_large"
	CodeTokenRequired          = "token_required"
	CodeTokenInvalid           = "token_invalid"
	CodeTokenExpired           = "token_expired"
	CodeAuthTimeout            = "auth_timeout"
	CodeNotAuthorized          = "not_authorized"
	CodeRateLimited            = "rate_limited"
	CodeNoStreamForSubject     = "no_stream_for_subject"
	CodeBusUnavailable         = "bus_unavailable"
	CodePublishFailed          = "publish_failed"
	CodeInternalError          = "internal_error"
	CodeInvalidMessageType     = "invalid_message_type"
	CodeReplacedByNewerSession = "replaced_by_newer_session"
)
