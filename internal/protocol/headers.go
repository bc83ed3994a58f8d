package protocol

// Header names the gateway stamps on records it stores on the bus. The
// historian reads the same names on the consuming side.
const (
	HeaderDeviceID      = "Plantlink-Device-Id"
	HeaderPublishedAt   = "Plantlink-Published-At"
	HeaderCorrelationID = "Plantlink-Correlation-Id"
	HeaderReplyTo       = "Plantlink-Reply-To"
)

// ReplySubjectPrefix is where REQUEST originators listen for REPLY frames:
// the gateway derives "replies.<deviceId>" for each requester.
const ReplySubjectPrefix = "replies."
