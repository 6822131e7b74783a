package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16

	// MaxLength bounds the input fed to argon2 so a single request cannot
	// pin a CPU with a multi-megabyte password.
	MaxLength = 1024
)

var (
	ErrTooShort      = errors.New("password too short")
	ErrTooLong       = errors.New("password too long")
	ErrMalformedHash = errors.New("malformed password hash")
	ErrInvalidConfig = errors.New("invalid password hasher config")
)

// Config holds the Argon2id cost parameters and the minimum accepted password
// length in bytes. Passwords are hashed exactly as provided, with no Unicode
// normalization.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// DefaultConfig returns the OWASP-recommended Argon2id parameters.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   12,
	}
}

// Hasher hashes and compares passwords. It is safe for concurrent use.
type Hasher struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// New validates cfg and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Hasher{config: cfg}, nil
}

// MinLength reports the shortest password Hash accepts.
func (h *Hasher) MinLength() int { return h.config.MinLength }

// CheckPolicy reports whether password satisfies the length bounds without
// hashing it.
func (h *Hasher) CheckPolicy(password string) error {
	if len(password) < h.config.MinLength {
		return fmt.Errorf("%w: need at least %d bytes", ErrTooShort, h.config.MinLength)
	}
	if len(password) > MaxLength {
		return ErrTooLong
	}
	return nil
}

// Hash returns a PHC-encoded Argon2id digest of password with a fresh random
// salt, so equal inputs produce different outputs.
func (h *Hasher) Hash(password string) (string, error) {
	if err := h.CheckPolicy(password); err != nil {
		return "", err
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)
	return encodePHC(phc{
		memory:      h.config.Memory,
		time:        h.config.Time,
		parallelism: h.config.Parallelism,
		salt:        salt,
		key:         key,
	}), nil
}

// Compare reports whether password matches encoded. A malformed encoding is a
// mismatch, never an error.
func (h *Hasher) Compare(password, encoded string) bool {
	ok, err := h.Verify(password, encoded)
	return err == nil && ok
}

// Verify is Compare with parse failures surfaced as ErrMalformedHash.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parsed, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	if len(password) > MaxLength {
		return false, nil
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the hasher's current configuration.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	parsed, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	return h.config.Memory > parsed.memory ||
		h.config.Time > parsed.time ||
		h.config.Parallelism > parsed.parallelism ||
		h.config.KeyLength != uint32(len(parsed.key)), nil
}

func (cfg Config) validate() error {
	switch {
	case cfg.Memory < minMemoryKB:
		return fmt.Errorf("%w: memory must be >= %d KB", ErrInvalidConfig, minMemoryKB)
	case cfg.Time < minTimeCost:
		return fmt.Errorf("%w: time must be >= %d", ErrInvalidConfig, minTimeCost)
	case cfg.Parallelism < minParallelism:
		return fmt.Errorf("%w: parallelism must be >= %d", ErrInvalidConfig, minParallelism)
	case cfg.SaltLength < minSaltLength:
		return fmt.Errorf("%w: salt length must be >= %d", ErrInvalidConfig, minSaltLength)
	case cfg.KeyLength < minKeyLength:
		return fmt.Errorf("%w: key length must be >= %d", ErrInvalidConfig, minKeyLength)
	case cfg.MinLength < 1 || cfg.MinLength > MaxLength:
		return fmt.Errorf("%w: min length must be within 1..%d", ErrInvalidConfig, MaxLength)
	}
	return nil
}

func encodePHC(p phc) string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		p.memory,
		p.time,
		p.parallelism,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key),
	)
}

func decodePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: not an %s PHC string", ErrMalformedHash, algorithmID)
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}

	out := &phc{}
	if err := out.parseParams(parts[3]); err != nil {
		return nil, err
	}

	var err error
	if out.salt, err = decodeB64(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if out.key, err = decodeB64(parts[5]); err != nil || len(out.key) < int(minKeyLength) {
		return nil, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}
	return out, nil
}

// decodeB64 accepts both padded and unpadded standard base64; older hashes
// were written padded.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func (p *phc) parseParams(part string) error {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return fmt.Errorf("%w: bad parameter list", ErrMalformedHash)
	}

	var seen int
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, pair)
		}
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, pair)
		}

		switch name {
		case "m":
			if v < uint64(minMemoryKB) {
				return fmt.Errorf("%w: memory below floor", ErrMalformedHash)
			}
			p.memory = uint32(v)
			seen |= 1
		case "t":
			if v < uint64(minTimeCost) {
				return fmt.Errorf("%w: time below floor", ErrMalformedHash)
			}
			p.time = uint32(v)
			seen |= 2
		case "p":
			if v < uint64(minParallelism) || v > 255 {
				return fmt.Errorf("%w: parallelism out of range", ErrMalformedHash)
			}
			p.parallelism = uint8(v)
			seen |= 4
		default:
			return fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, name)
		}
	}
	if seen != 7 {
		return fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}
	return nil
}
