// internal/devserver/models.go

package devserver

// CreateConversationRequest represents request to create a group conversation
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
	Name           string   `json:"name,omitempty" validate:"max=100"`
}

// DevTokenRequest asks the development backend to sign a token
type DevTokenRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	Username    string `json:"username,omitempty" validate:"max=50"`
	DisplayName string `json:"displayName,omitempty" validate:"max=100"`
}

type DevTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}
