package backend

// API paths of the khubot service
const (
	PathLogin       = "/api/Auth/Login"
	PathGetChatList = "/api/Chat/GetChatList"
	PathSendMessage = "/api/Chat/SendMessage"
)

// Envelope wraps every response body of the khubot API
type Envelope[T any] struct {
	Data          T              `json:"data"`
	IsSuccess     bool           `json:"isSuccess"`
	ErrorMessages []ErrorMessage `json:"errorMessages,omitempty"`
}

// ErrorResponse is the body returned with a non-2xx status
type ErrorResponse struct {
	ErrorMessages []ErrorMessage `json:"errorMessages"`
	IsSuccess     bool           `json:"isSuccess"`
}

// ErrorMessage is one entry of a structured error body. The service has
// shipped both the long and the short field names.
type ErrorMessage struct {
	ErrorMessage    string  `json:"ErrorMessage,omitempty"`
	ErrorKey        *string `json:"ErrorKey,omitempty"`
	ErrorID         *string `json:"ErrorId,omitempty"`
	IsInternalError bool    `json:"IsInternalError,omitempty"`

	Message    string  `json:"message,omitempty"`
	Key        *string `json:"key,omitempty"`
	ID         *string `json:"id,omitempty"`
	IsInternal bool    `json:"isInternal,omitempty"`
}

// Text returns the human readable message, whichever field carried it
func (e ErrorMessage) Text() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	return e.Message
}

// FirstErrorText returns the first non-empty message of a list
func FirstErrorText(msgs []ErrorMessage) string {
	for _, m := range msgs {
		if t := m.Text(); t != "" {
			return t
		}
	}
	return ""
}

// LoginRequest is the body of PathLogin
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the data of a successful login
type LoginResponse struct {
	Token             string `json:"token"`
	LoginExpireInDays int    `json:"loginExpireInDays"`
}

// ChatListMessage is one history entry
type ChatListMessage struct {
	Content   string `json:"content"`
	IsFromBot bool   `json:"isFromBot"`
}

// ChatListResponse is the data of PathGetChatList. It always holds the full
// history of the user's single conversation.
type ChatListResponse struct {
	Messages     []ChatListMessage `json:"messages"`
	UsagePercent float64           `json:"usagePercent"`
	FirstName    string            `json:"firstName"`
	LastName     string            `json:"lastName"`
}

// SendMessageRequest is the body of PathSendMessage
type SendMessageRequest struct {
	Message string `json:"message"`
}
