package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// Tokens scoring below this are rejected at startup. The admin surface
// exposes identity resets, so a guessable token is an outage lever.
const weakTokenScoreThreshold = 3

// IsWeakToken reports whether token is too guessable to protect the
// operational endpoints. An empty token is not weak: it means the admin
// surface runs unauthenticated, which the server wiring handles separately.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, nil).Score < weakTokenScoreThreshold
}
