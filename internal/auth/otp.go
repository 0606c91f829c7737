package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// OTPTTL is the lifetime of every one-time password.
const OTPTTL = 10 * time.Minute

const (
	otpFloor = 100000
	otpSpan  = 900000
)

// OTPSource produces one-time passwords.
type OTPSource func() (string, error)

// GenerateOTP returns a uniformly random six digit code in [100000, 999999].
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpSpan))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", otpFloor+n.Int64()), nil
}
