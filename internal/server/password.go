package server

import (
	"regexp"
)

var (
	passwordUppercase = regexp.MustCompile(`[A-Z]`)
	passwordLowercase = regexp.MustCompile(`[a-z]`)
	passwordDigit     = regexp.MustCompile(`[0-9]`)
)

// isStrongPassword checks if a password meets the strength requirements
func isStrongPassword(password string) bool {
	if len(password) < 8 {
		return false
	}
	if !passwordUppercase.MatchString(password) {
		return false
	}
	if !passwordLowercase.MatchString(password) {
		return false
	}
	if !passwordDigit.MatchString(password) {
		return false
	}
	return true
}
