package chat

// Messages shown to the user.
const (
	MsgCredentialRequired = "API key required to use the chatbot. Please add your API key in the settings panel."
	MsgChatIDRequired     = "chat_id is required"
	MsgAPIKeyRequired     = "API key is required"
	MsgAPIKeySaved        = "API key saved successfully"
	MsgHistoryCleared     = "Conversation history cleared"
	MsgAllHistoryCleared  = "All conversations cleared"
)

// ValidationError is a user-correctable problem with a request. It is
// returned before any state is changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}
