package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// DeviceInfo describes the client a session was opened from. Extra carries
// attributes this version does not model yet, such as client hints.
type DeviceInfo struct {
	UserAgent string            `json:"userAgent,omitempty"`
	Platform  string            `json:"platform,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Session is one logged-in device.
type Session struct {
	ID           string
	IdentityID   string
	RefreshHash  string
	TokenVersion uint64
	Device       DeviceInfo
	IP           string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session can no longer authorize a refresh.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the lifetime left at now, floored at zero.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

const (
	fieldIdentity   = "uid"
	fieldRefresh    = "rh"
	fieldVersion    = "tv"
	fieldIP         = "ip"
	fieldDevice     = "dev"
	fieldCreated    = "ca"
	fieldLastActive = "la"
	fieldExpires    = "ea"
)

func (s *Session) fields() (map[string]any, error) {
	dev, err := json.Marshal(s.Device)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		fieldIdentity:   s.IdentityID,
		fieldRefresh:    s.RefreshHash,
		fieldVersion:    s.TokenVersion,
		fieldIP:         s.IP,
		fieldDevice:     string(dev),
		fieldCreated:    s.CreatedAt.UnixMilli(),
		fieldLastActive: s.LastActiveAt.UnixMilli(),
		fieldExpires:    s.ExpiresAt.UnixMilli(),
	}, nil
}

func fromFields(id string, h map[string]string) (*Session, error) {
	if h[fieldIdentity] == "" || h[fieldRefresh] == "" {
		return nil, ErrSessionCorrupt
	}
	version, err := strconv.ParseUint(h[fieldVersion], 10, 64)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	created, err1 := parseMillis(h[fieldCreated])
	lastActive, err2 := parseMillis(h[fieldLastActive])
	expires, err3 := parseMillis(h[fieldExpires])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, ErrSessionCorrupt
	}

	sess := &Session{
		ID:           id,
		IdentityID:   h[fieldIdentity],
		RefreshHash:  h[fieldRefresh],
		TokenVersion: version,
		IP:           h[fieldIP],
		CreatedAt:    created,
		LastActiveAt: lastActive,
		ExpiresAt:    expires,
	}
	if raw := h[fieldDevice]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Device); err != nil {
			return nil, ErrSessionCorrupt
		}
	}
	return sess, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
