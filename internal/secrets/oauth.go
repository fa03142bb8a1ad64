package secrets

import "encoding/json"

// OAuthPayload is the shape stored for providers that authenticate via an
// OAuth flow instead of a plain API key. Detection keys off the Type field.
type OAuthPayload struct {
	Type         string `json:"type"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Token        string `json:"token,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// DetectOAuth parses a store value as an OAuth payload. A value qualifies
// when it is a JSON object with a non-empty "type" field and at least one
// token field.
func DetectOAuth(value string) (*OAuthPayload, bool) {
	var p OAuthPayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, false
	}
	if p.Type == "" {
		return nil, false
	}
	if p.AccessToken == "" && p.Token == "" {
		return nil, false
	}
	return &p, true
}

// Credential renders the payload as the value handed to the stream
// function. Payloads carrying a project ID compose {token, projectId} JSON
// (the shape some providers expect); plain payloads yield the bare token.
func (p *OAuthPayload) Credential() string {
	token := p.AccessToken
	if token == "" {
		token = p.Token
	}
	if p.ProjectID != "" {
		composed, err := json.Marshal(map[string]string{
			"token":     token,
			"projectId": p.ProjectID,
		})
		if err == nil {
			return string(composed)
		}
	}
	return token
}
