package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonValidation    ReasonCode = "validation"
	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonTelephonyCreate ReasonCode = "telephony_create"
	ReasonTelephonyHangup ReasonCode = "telephony_hangup"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"
	ReasonLLMMaxTurns  ReasonCode = "llm_max_turns"

	ReasonToolArguments ReasonCode = "tool_arguments"
	ReasonToolUnknown   ReasonCode = "tool_unknown"
	ReasonToolExecute   ReasonCode = "tool_execute"

	ReasonBroadcastSend ReasonCode = "broadcast_send"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
