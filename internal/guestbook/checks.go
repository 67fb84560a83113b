package guestbook

import (
	"context"
	"strings"
	"unicode"
)

// request is the normalised input every check sees.
type request struct {
	caller  Caller
	name    string
	message string
}

// check inspects a request and returns nil to pass or a Rejection to stop.
type check func(ctx context.Context, r *request) *Rejection

// runChecks applies checks in order and returns the first rejection.
func runChecks(ctx context.Context, checks []check, r *request) *Rejection {
	for _, c := range checks {
		if rej := c(ctx, r); rej != nil {
			return rej
		}
	}
	return nil
}

func (s *Service) notBanned() check {
	return func(_ context.Context, r *request) *Rejection {
		if s.bans != nil && s.bans.Banned(r.caller.IP) {
			return Reject(CodeBanned, nil)
		}
		return nil
	}
}

func nameRequired() check {
	return func(_ context.Context, r *request) *Rejection {
		if r.name == "" {
			return Reject(CodeNoName, nil)
		}
		return nil
	}
}

func messageRequired() check {
	return func(_ context.Context, r *request) *Rejection {
		if r.message == "" {
			return Reject(CodeEmptyMessage, nil)
		}
		return nil
	}
}

func nameLength(max int) check {
	return func(_ context.Context, r *request) *Rejection {
		if len([]rune(r.name)) > max {
			return Reject(CodeNameTooLong, nil)
		}
		return nil
	}
}

func namePrintable() check {
	return func(_ context.Context, r *request) *Rejection {
		if strings.IndexFunc(r.name, unicode.IsControl) >= 0 {
			return Reject(CodeInvalidName, nil)
		}
		return nil
	}
}

func (s *Service) nameAllowed() check {
	return func(_ context.Context, r *request) *Rejection {
		if s.filter.IsProhibited(r.name) {
			return Reject(CodeNameProhibited, nil)
		}
		return nil
	}
}

func (s *Service) messageAllowed() check {
	return func(_ context.Context, r *request) *Rejection {
		if s.filter.IsProhibited(r.message) {
			return Reject(CodeMessageProhibited, nil)
		}
		return nil
	}
}

func (s *Service) admitted() check {
	return func(ctx context.Context, r *request) *Rejection {
		if s.limiter != nil && !s.limiter.Admit(ctx, r.caller.IP) {
			return Reject(CodeRateLimited, nil)
		}
		return nil
	}
}

// nameOwned also swaps r.name for the reservation's stored casing, which is
// the only form ever displayed.
func (s *Service) nameOwned() check {
	return func(ctx context.Context, r *request) *Rejection {
		display, err := s.registry.OwnedName(ctx, r.name, r.caller.Token, r.caller.IP)
		if err != nil {
			return s.storageFault("reservations", CodeWriteFailed, err)
		}
		if display == "" {
			return Reject(CodeNameNotReserved, nil)
		}
		r.name = display
		return nil
	}
}
