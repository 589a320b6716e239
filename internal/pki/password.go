package pki

import (
	"crypto/rand"
	"errors"
)

// PasswordAlphabet leaves out characters that are easy to misread (I, O,
// 0, 1). Its length divides 256 so byte values map onto it without bias.
const PasswordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const MinPasswordLength = 8

var ErrPasswordTooShort = errors.New("pki: password length should be at least 8 characters")

// GeneratePassword returns a random one-time password used to protect a
// bundle's private key in transit.
func GeneratePassword(length int) (string, error) {
	if length < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = PasswordAlphabet[int(b)%len(PasswordAlphabet)]
	}
	return string(buf), nil
}
