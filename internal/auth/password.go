package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hashes and compares already peppered passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
}

// BcryptHasher hashes with bcrypt at the configured cost.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h BcryptHasher) Compare(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// Argon2Hasher hashes with argon2id and encodes the result as a PHC string.
type Argon2Hasher struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultArgon2 returns the parameters used for administrator accounts.
func DefaultArgon2() Argon2Hasher {
	return Argon2Hasher{Time: 3, Memory: 64 * 1024, Threads: 2, KeyLen: 32, SaltLen: 16}
}

func (h Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h Argon2Hasher) Compare(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("invalid argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errors.New("unsupported argon2 version")
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("invalid argon2 parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid argon2 salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, errors.New("invalid argon2 key")
	}
	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Passwords applies the role-scoped pepper and dispatches to the role's hasher.
type Passwords struct {
	hashers map[Role]PasswordHasher
	peppers map[Role][]byte
}

// NewPasswords builds the role-scoped password policy. Roles missing from
// hashers use bcrypt at the default cost; roles missing from peppers are
// hashed without a pepper.
func NewPasswords(hashers map[Role]PasswordHasher, peppers map[Role]string) *Passwords {
	p := &Passwords{
		hashers: make(map[Role]PasswordHasher, len(Roles)),
		peppers: make(map[Role][]byte, len(peppers)),
	}
	for _, role := range Roles {
		if h, ok := hashers[role]; ok && h != nil {
			p.hashers[role] = h
		} else {
			p.hashers[role] = BcryptHasher{Cost: bcrypt.DefaultCost}
		}
	}
	for role, pepper := range peppers {
		if pepper = strings.TrimSpace(pepper); pepper != "" {
			p.peppers[role] = []byte(pepper)
		}
	}
	return p
}

// DefaultPasswords uses argon2id for administrators and bcrypt for everyone else.
func DefaultPasswords(peppers map[Role]string) *Passwords {
	return NewPasswords(map[Role]PasswordHasher{RoleAdmin: DefaultArgon2()}, peppers)
}

// Hash peppers and hashes password for role.
func (p *Passwords) Hash(role Role, password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	h, ok := p.hashers[role]
	if !ok {
		return "", fmt.Errorf("no password hasher for role %q", role)
	}
	return h.Hash(p.pepper(role, password))
}

// Compare reports whether password matches hash under role's policy.
func (p *Passwords) Compare(role Role, hash, password string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	h, ok := p.hashers[role]
	if !ok {
		return false, fmt.Errorf("no password hasher for role %q", role)
	}
	return h.Compare(hash, p.pepper(role, password))
}

// pepper keys an HMAC with the role pepper, or takes a plain SHA-256 digest
// when the role has none. Either encoded digest keeps bcrypt inputs under its
// 72 byte limit.
func (p *Passwords) pepper(role Role, password string) string {
	key, ok := p.peppers[role]
	if !ok {
		sum := sha256.Sum256([]byte(password))
		return base64.RawStdEncoding.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(password))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
}
