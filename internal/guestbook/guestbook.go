// Package guestbook composes the stores, the rate limiter and the moderation
// filter into the guestbook's read and write operations. It knows nothing
// about HTTP; internal/server adapts it.
package guestbook

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/guestbookd/internal/metrics"
	"github.com/developingchet/guestbookd/internal/moderation"
	"github.com/developingchet/guestbookd/internal/storage"
)

const (
	MaxNameLen    = 15
	MaxMessageLen = 100

	DefaultPollLimit = 100
	MaxPollLimit     = 1000

	maxDice  = 10
	maxSides = 1000
)

// Caller identifies the client behind a request.
type Caller struct {
	IP    string
	Token string // owner token from the cookie, "" if absent
}

// Admitter is the rate limiter's contract.
type Admitter interface {
	Admit(ctx context.Context, ip string) bool
}

// BanChecker reports whether an IP is barred from writing.
type BanChecker interface {
	Banned(ip string) bool
}

// Stores groups the file-backed stores the service writes to.
type Stores struct {
	Messages     *storage.MessageLog
	Reservations *storage.Registry
	Colors       *storage.ColorStore
	Reports      *storage.ReportLog
}

// Options configures a Service. Limiter and Bans may be nil.
type Options struct {
	Limiter        Admitter
	Filter         *moderation.Filter
	Bans           BanChecker
	ReservationTTL time.Duration
}

// Service implements the guestbook operations.
type Service struct {
	messages *storage.MessageLog
	registry *storage.Registry
	colors   *storage.ColorStore
	reports  *storage.ReportLog

	limiter Admitter
	filter  *moderation.Filter
	bans    BanChecker
	ttl     time.Duration

	rollDie func(sides int) int

	postChecks    []check
	reserveChecks []check
}

// New wires a Service. All stores are required.
func New(st Stores, opts Options) *Service {
	s := &Service{
		messages: st.Messages,
		registry: st.Reservations,
		colors:   st.Colors,
		reports:  st.Reports,
		limiter:  opts.Limiter,
		filter:   opts.Filter,
		bans:     opts.Bans,
		ttl:      opts.ReservationTTL,
		rollDie:  func(sides int) int { return rand.IntN(sides) + 1 },
	}
	if s.ttl <= 0 {
		s.ttl = storage.DefaultReservationTTL
	}
	s.postChecks = []check{
		s.notBanned(),
		nameRequired(),
		messageRequired(),
		s.nameAllowed(),
		s.messageAllowed(),
		s.admitted(),
		s.nameOwned(),
	}
	s.reserveChecks = []check{
		s.notBanned(),
		nameRequired(),
		nameLength(MaxNameLen),
		namePrintable(),
		s.nameAllowed(),
		s.admitted(),
	}
	return s
}

// PollResult is the read path's answer.
type PollResult struct {
	Messages     []storage.Message
	ReservedName string
}

// Poll returns up to limit recent messages with display colors attached and
// the name the caller currently owns. It never mutates state.
func (s *Service) Poll(ctx context.Context, caller Caller, limit int) (PollResult, error) {
	metrics.Polls.Inc()
	limit = ClampPollLimit(limit)

	msgs, err := s.messages.ReadRecent(ctx, limit)
	if err != nil {
		return PollResult{}, s.storageFault("messages", CodeReadFailed, err)
	}

	cm, err := s.colors.Snapshot(ctx)
	if err != nil {
		// Colors are cosmetic; serve the messages without them.
		metrics.StorageErrors.WithLabelValues("colors").Inc()
		log.Warn().Err(err).Msg("color snapshot failed")
	}
	for i := range msgs {
		if idx, ok := cm.Lookup(msgs[i].OriginIP); ok {
			msgs[i].Color = idx
		}
	}

	name, err := s.registry.LookupOwnedName(ctx, caller.Token, caller.IP)
	if err != nil {
		return PollResult{}, s.storageFault("reservations", CodeReadFailed, err)
	}
	return PollResult{Messages: msgs, ReservedName: name}, nil
}

// ClampPollLimit maps a requested poll size onto [1, MaxPollLimit], with
// non-positive values meaning DefaultPollLimit.
func ClampPollLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPollLimit
	case limit > MaxPollLimit:
		return MaxPollLimit
	default:
		return limit
	}
}

// Post appends a message under a name the caller owns and returns the stored
// entry.
func (s *Service) Post(ctx context.Context, caller Caller, name, message string) (storage.Message, error) {
	r := &request{
		caller:  caller,
		name:    strings.TrimSpace(name),
		message: strings.TrimSpace(message),
	}
	if rej := runChecks(ctx, s.postChecks, r); rej != nil {
		return storage.Message{}, rej
	}

	m := storage.Message{
		Name:     truncate(r.name, MaxNameLen),
		OriginIP: caller.IP,
	}
	text := r.message
	switch {
	case hasCommand(text, "/roll"):
		m.IsAnnounce = true
		m.IsCmd = true
		text = s.roll(m.Name, strings.TrimSpace(text[len("/roll"):]))
	case len(text) > 4 && strings.EqualFold(text[:4], "/me "):
		m.IsAction = true
		text = strings.TrimSpace(text[4:])
	}
	m.Message = truncate(text, MaxMessageLen)

	stored, err := s.messages.Append(ctx, m)
	if err != nil {
		return storage.Message{}, s.storageFault("messages", CodeWriteFailed, err)
	}
	metrics.PostsAccepted.Inc()

	if idx, ok, err := s.colors.ColorFor(ctx, caller.IP); err == nil && ok {
		stored.Color = idx
	}

	log.Debug().Int64("id", stored.ID).Str("name", stored.Name).Str("ip", caller.IP).Msg("message posted")
	return stored, nil
}

// Reserve claims or renews name for the caller. On success the returned
// reservation carries the owner token to hand back to the client.
func (s *Service) Reserve(ctx context.Context, caller Caller, name string) (storage.Reservation, error) {
	r := &request{caller: caller, name: strings.TrimSpace(name)}
	if rej := runChecks(ctx, s.reserveChecks, r); rej != nil {
		return storage.Reservation{}, rej
	}

	res, err := s.registry.Reserve(ctx, r.name, caller.IP, caller.Token, s.ttl)
	if err != nil {
		var taken *storage.NameTakenError
		if errors.As(err, &taken) {
			rej := Reject(CodeNameTaken, err)
			rej.ExpiresAt = taken.ExpiresAt
			return storage.Reservation{}, rej
		}
		return storage.Reservation{}, s.storageFault("reservations", CodeWriteFailed, err)
	}
	metrics.Reservations.Inc()
	log.Info().Str("name", res.Name).Str("ip", caller.IP).Time("expires_at", res.ExpiresAt).Msg("name reserved")
	return res, nil
}

// SetColor stores the caller's display color. raw is a palette index or a
// color alias; out-of-range indices are clamped.
func (s *Service) SetColor(ctx context.Context, caller Caller, raw string) (int, error) {
	r := &request{caller: caller}
	if rej := s.notBanned()(ctx, r); rej != nil {
		return 0, rej
	}
	idx, err := storage.ParseColor(raw)
	if err != nil {
		return 0, Reject(CodeInvalidColor, err)
	}
	if rej := s.admitted()(ctx, r); rej != nil {
		return 0, rej
	}

	idx, err = s.colors.SetColor(ctx, caller.IP, idx)
	if err != nil {
		return 0, s.storageFault("colors", CodeWriteFailed, err)
	}
	return idx, nil
}

// Unreserve releases the caller's reservation and returns the freed name, ""
// when the caller owned none. tokenInUse reports whether the caller's token
// still owns another name, in which case the client should keep it.
func (s *Service) Unreserve(ctx context.Context, caller Caller) (name string, tokenInUse bool, err error) {
	r := &request{caller: caller}
	if rej := runChecks(ctx, []check{s.notBanned(), s.admitted()}, r); rej != nil {
		return "", false, rej
	}

	name, err = s.registry.Unreserve(ctx, caller.Token, caller.IP)
	if err != nil {
		return "", false, s.storageFault("reservations", CodeWriteFailed, err)
	}
	if name != "" {
		log.Info().Str("name", name).Str("ip", caller.IP).Msg("name released")
	}
	if caller.Token != "" {
		// Token-only lookup: an IP match must not keep a cookie alive.
		if other, err := s.registry.LookupOwnedName(ctx, caller.Token, ""); err == nil {
			tokenInUse = other != ""
		}
	}
	return name, tokenInUse, nil
}

// Report files a moderation report against target. The reporter is the
// supplied name, or the caller's reserved name when none is given.
func (s *Service) Report(ctx context.Context, caller Caller, reporter, target, reason string) error {
	r := &request{caller: caller}
	if rej := s.notBanned()(ctx, r); rej != nil {
		return rej
	}
	target = strings.TrimSpace(target)
	reason = strings.TrimSpace(reason)
	if target == "" {
		return Reject(CodeNoTarget, nil)
	}
	if reason == "" {
		return Reject(CodeEmptyReason, nil)
	}
	if rej := s.admitted()(ctx, r); rej != nil {
		return rej
	}

	reporter = strings.TrimSpace(reporter)
	if reporter == "" {
		if owned, err := s.registry.LookupOwnedName(ctx, caller.Token, caller.IP); err == nil {
			reporter = owned
		}
	}

	_, err := s.reports.File(ctx, storage.Report{
		Reporter:   truncate(reporter, MaxNameLen),
		Target:     truncate(target, MaxNameLen),
		Reason:     reason,
		ReporterIP: caller.IP,
	})
	if err != nil {
		return s.storageFault("reports", CodeWriteFailed, err)
	}
	metrics.ReportsFiled.Inc()
	log.Info().Str("target", target).Str("ip", caller.IP).Msg("report filed")
	return nil
}

// Purge drops expired reservations.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.registry.Purge(ctx)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("reservations").Inc()
		return 0, err
	}
	return n, nil
}

// DataFiles lists the service's data files with their current sizes.
func (s *Service) DataFiles() map[string]int64 {
	return map[string]int64{
		s.messages.Path(): s.messages.Size(),
		s.registry.Path(): s.registry.Size(),
		s.colors.Path():   s.colors.Size(),
		s.reports.Path():  s.reports.Size(),
	}
}

func (s *Service) storageFault(store, code string, err error) *Rejection {
	metrics.StorageErrors.WithLabelValues(store).Inc()
	log.Error().Err(err).Str("store", store).Msg("storage fault")
	return Reject(code, err)
}

// roll renders a /roll announcement. notation is "NdM" (default 1d6); N is
// clamped to [1,10] and M to [2,1000].
func (s *Service) roll(name, notation string) string {
	dice, sides := parseDice(notation)
	results := make([]string, dice)
	total := 0
	for i := range results {
		v := s.rollDie(sides)
		total += v
		results[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("%s rolled %dd%d: %s = %d", name, dice, sides, strings.Join(results, ", "), total)
}

func parseDice(notation string) (dice, sides int) {
	dice, sides = 1, 6
	notation = strings.ToLower(strings.TrimSpace(notation))
	if notation == "" {
		return dice, sides
	}
	if f := strings.Fields(notation); len(f) > 0 {
		notation = f[0]
	}
	n, m, ok := strings.Cut(notation, "d")
	if !ok {
		return dice, sides
	}
	if n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return 1, 6
		}
		dice = v
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return 1, 6
	}
	sides = v
	return min(max(dice, 1), maxDice), min(max(sides, 2), maxSides)
}

func hasCommand(text, cmd string) bool {
	if len(text) < len(cmd) || !strings.EqualFold(text[:len(cmd)], cmd) {
		return false
	}
	return len(text) == len(cmd) || text[len(cmd)] == ' '
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
