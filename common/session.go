package common

// SessionTokens is the pair of tokens returned by the Capital.com session
// endpoint. Both are needed to open the streaming connection and are repeated
// in every control frame.
type SessionTokens struct {
	CST           string
	SecurityToken string
}

// Valid returns whether both tokens are present.
func (t SessionTokens) Valid() bool {
	return t.CST != "" && t.SecurityToken != ""
}
