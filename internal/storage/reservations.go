package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/developingchet/guestbookd/internal/identity"
)

// DefaultReservationTTL is how long a reservation lasts unless renewed.
const DefaultReservationTTL = 30 * 24 * time.Hour

// ErrNameTaken is matched by *NameTakenError.
var ErrNameTaken = errors.New("storage: name taken")

// NameTakenError reports a reservation conflict together with the time the
// current holder's claim runs out.
type NameTakenError struct {
	Name      string
	ExpiresAt time.Time
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("storage: name %q reserved until %s", e.Name, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *NameTakenError) Is(target error) bool { return target == ErrNameTaken }

// Reservation is a time-boxed claim on a display name.
type Reservation struct {
	Name       string    `json:"name"`
	OwnerToken string    `json:"ownerToken"`
	OwnerIP    string    `json:"ownerIP"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Reservation) active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// ownedBy applies the ownership rule: the token when one is supplied,
// otherwise (or when it does not match) the client IP.
func (r Reservation) ownedBy(token, ip string) bool {
	if token != "" && token == r.OwnerToken {
		return true
	}
	return identity.Matches(r.OwnerIP, ip)
}

// Registry maps case-insensitive display names to their current owner.
type Registry struct {
	file *lockedFile
	now  func() time.Time
}

// OpenRegistry prepares a reservation registry at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Registry{file: newLockedFile(path), now: time.Now}, nil
}

// NewToken returns a fresh 256-bit owner token, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("storage: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidToken reports whether s has the shape of a token issued by NewToken.
func ValidToken(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Reserve claims name for the caller or renews the caller's claim. A renewal
// keeps the stored casing of the name. A renewal matched by IP alone keeps the
// holder's token on disk and returns an empty OwnerToken, so the credential is
// never handed to a client that did not present it. A new claim without a
// usable token gets a fresh one. An active claim held by someone else fails
// with *NameTakenError.
func (g *Registry) Reserve(ctx context.Context, name, ip, token string, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if !ValidToken(token) {
		token = ""
	}
	key := nameKey(name)

	var res Reservation
	err := g.file.update(ctx, func(data []byte) ([]byte, error) {
		now := g.now()
		m := g.decode(data, now)

		display := strings.TrimSpace(name)
		ipOnly := false
		if cur, ok := m[key]; ok {
			if !cur.ownedBy(token, ip) {
				return nil, &NameTakenError{Name: cur.Name, ExpiresAt: cur.ExpiresAt}
			}
			display = cur.Name
			if cur.OwnerToken != "" && token != cur.OwnerToken {
				ipOnly = true
				token = cur.OwnerToken
			}
		}
		if token == "" {
			t, err := NewToken()
			if err != nil {
				return nil, err
			}
			token = t
		}

		stored := Reservation{
			Name:       display,
			OwnerToken: token,
			OwnerIP:    ip,
			ExpiresAt:  now.Add(ttl).UTC(),
		}
		m[key] = stored
		res = stored
		if ipOnly {
			res.OwnerToken = ""
		}
		return encodeReservations(m)
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// IsReservedBy reports whether name has an active reservation owned by the
// caller's token or, failing that, the caller's IP.
func (g *Registry) IsReservedBy(ctx context.Context, name, token, ip string) (bool, error) {
	display, err := g.OwnedName(ctx, name, token, ip)
	return display != "", err
}

// OwnedName returns the stored display form of name when the caller owns it,
// "" otherwise. Lookup is case-insensitive; the result is the reservation's
// own casing.
func (g *Registry) OwnedName(ctx context.Context, name, token, ip string) (string, error) {
	key := nameKey(name)
	var display string
	err := g.file.view(ctx, func(data []byte) error {
		if cur, ok := g.decode(data, g.now())[key]; ok && cur.ownedBy(token, ip) {
			display = cur.Name
		}
		return nil
	})
	return display, err
}

// LookupOwnedName returns the display name of the caller's reservation, or
// "" when the caller owns none.
func (g *Registry) LookupOwnedName(ctx context.Context, token, ip string) (string, error) {
	var name string
	err := g.file.view(ctx, func(data []byte) error {
		if _, r, ok := findOwned(g.decode(data, g.now()), token, ip); ok {
			name = r.Name
		}
		return nil
	})
	return name, err
}

// Unreserve drops the reservation LookupOwnedName would report and returns
// its display name ("" when there was nothing to drop).
func (g *Registry) Unreserve(ctx context.Context, token, ip string) (string, error) {
	var name string
	err := g.file.update(ctx, func(data []byte) ([]byte, error) {
		m := g.decode(data, g.now())
		key, r, ok := findOwned(m, token, ip)
		if !ok {
			return nil, nil
		}
		name = r.Name
		delete(m, key)
		return encodeReservations(m)
	})
	return name, err
}

// Purge rewrites the registry without expired entries and reports how many
// were removed.
func (g *Registry) Purge(ctx context.Context) (int, error) {
	var removed int
	err := g.file.update(ctx, func(data []byte) ([]byte, error) {
		var all map[string]Reservation
		if len(data) == 0 || json.Unmarshal(data, &all) != nil {
			return nil, nil
		}
		live := g.decode(data, g.now())
		removed = len(all) - len(live)
		if removed == 0 {
			return nil, nil
		}
		return encodeReservations(live)
	})
	return removed, err
}

// Path returns the registry's file path.
func (g *Registry) Path() string { return g.file.path }

// Size returns the registry's on-disk size in bytes.
func (g *Registry) Size() int64 { return g.file.size() }

// decode parses the registry leniently and drops expired entries. Keys are
// re-derived from the stored names so hand-edited files still match.
func (g *Registry) decode(data []byte, now time.Time) map[string]Reservation {
	out := make(map[string]Reservation)
	if len(data) == 0 {
		return out
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		var r Reservation
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		if r.Name == "" {
			r.Name = k
		}
		if !r.active(now) {
			continue
		}
		out[nameKey(r.Name)] = r
	}
	return out
}

// findOwned looks for the caller's reservation: token matches first, then IP
// matches. Among several candidates the latest expiry wins, ties by key.
func findOwned(m map[string]Reservation, token, ip string) (string, Reservation, bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pick := func(match func(Reservation) bool) (string, Reservation, bool) {
		var bestKey string
		var best Reservation
		found := false
		for _, k := range keys {
			r := m[k]
			if !match(r) {
				continue
			}
			if !found || r.ExpiresAt.After(best.ExpiresAt) {
				bestKey, best, found = k, r, true
			}
		}
		return bestKey, best, found
	}

	if token != "" {
		if k, r, ok := pick(func(r Reservation) bool { return r.OwnerToken == token }); ok {
			return k, r, true
		}
	}
	return pick(func(r Reservation) bool { return identity.Matches(r.OwnerIP, ip) })
}

func encodeReservations(m map[string]Reservation) ([]byte, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode reservations: %w", ErrWriteFailed, err)
	}
	return out, nil
}
