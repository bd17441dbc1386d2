// Package crypto - API токены операторов.
//
// Токен выдается один раз (GenerateToken), в конфигурации хранится только
// bcrypt-хеш. API сверяет Bearer токен с хешем через VerifyToken.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptyToken    = errors.New("token cannot be empty")
	ErrTokenMismatch = errors.New("token does not match hash")
	ErrInvalidHash   = errors.New("invalid token hash format")
	ErrTokenTooLong  = errors.New("token exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt по умолчанию
const DefaultCost = 12

// MaxTokenLength - ограничение bcrypt
const MaxTokenLength = 72

// tokenBytes - 32 байта дают 64 hex символа, укладывается в лимит bcrypt
const tokenBytes = 32

// GenerateToken создает случайный токен в hex
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken хеширует токен с DefaultCost
func HashToken(token string) (string, error) {
	return HashTokenWithCost(token, DefaultCost)
}

// HashTokenWithCost хеширует токен; cost приводится к [bcrypt.MinCost, bcrypt.MaxCost]
func HashTokenWithCost(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > MaxTokenLength {
		return "", ErrTokenTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken сверяет токен с хешем
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// TokenMatches - VerifyToken в виде bool
func TokenMatches(token, hash string) bool {
	return VerifyToken(token, hash) == nil
}
