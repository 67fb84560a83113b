package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developingchet/guestbookd/internal/guestbook"
)

// Write actions accepted by POST /api. An empty action posts a message.
const (
	actionPost      = ""
	actionSetName   = "set_name"
	actionSetColor  = "set_color"
	actionUnreserve = "unreserve"
	actionReport    = "report"
)

// apiRequest is the POST /api body, bound from JSON or form data.
type apiRequest struct {
	Action  string     `json:"action" form:"action"`
	Name    string     `json:"name" form:"name"`
	Message string     `json:"message" form:"message"`
	NewName string     `json:"new_name" form:"new_name"`
	Color   colorParam `json:"color" form:"color"`
	Target  string     `json:"target" form:"target"`
	Reason  string     `json:"reason" form:"reason"`
}

// colorParam accepts a JSON number or string ("6", 6, "blue").
type colorParam string

func (p *colorParam) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = colorParam(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = colorParam(n.String())
	return nil
}

// UnmarshalParam lets gin's form binding fill the field.
func (p *colorParam) UnmarshalParam(s string) error {
	*p = colorParam(s)
	return nil
}

func (s *Server) handlePoll(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	res, err := s.svc.Poll(c.Request.Context(), callerFrom(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"messages":      res.Messages,
		"reserved_name": res.ReservedName,
	})
}

func (s *Server) handleAPI(c *gin.Context) {
	var req apiRequest
	if err := c.ShouldBind(&req); err != nil {
		writeError(c, guestbook.Reject(guestbook.CodeBadRequest, err))
		return
	}

	ctx := c.Request.Context()
	caller := callerFrom(c)

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case actionPost, "post":
		msg, err := s.svc.Post(ctx, caller, req.Name, req.Message)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "message": msg})

	case actionSetName:
		name := req.NewName
		if strings.TrimSpace(name) == "" {
			name = req.Name
		}
		res, err := s.svc.Reserve(ctx, caller, name)
		if err != nil {
			writeError(c, err)
			return
		}
		// Empty on a renewal matched by IP alone: the holder's token stays
		// with the holder.
		if res.OwnerToken != "" {
			s.setOwnerCookie(c, res.OwnerToken, res.ExpiresAt)
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"name":       res.Name,
			"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
		})

	case actionSetColor:
		idx, err := s.svc.SetColor(ctx, caller, string(req.Color))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "color": idx})

	case actionUnreserve:
		name, tokenInUse, err := s.svc.Unreserve(ctx, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		if !tokenInUse {
			s.clearOwnerCookie(c)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "name": name})

	case actionReport:
		if err := s.svc.Report(ctx, caller, req.Name, req.Target, req.Reason); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})

	default:
		writeError(c, guestbook.Reject(guestbook.CodeUnknownAction, nil))
	}
}

func (s *Server) setOwnerCookie(c *gin.Context, token string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookieName, token, maxAge, "/", "", s.cfg.CookieSecure, true)
}

func (s *Server) clearOwnerCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookieName, "", -1, "/", "", s.cfg.CookieSecure, true)
}

// writeError renders a rejection. Errors that are not rejections are treated
// as storage faults; their detail never reaches the client.
func writeError(c *gin.Context, err error) {
	var rej *guestbook.Rejection
	if !errors.As(err, &rej) {
		rej = guestbook.Reject(guestbook.CodeWriteFailed, err)
	}
	body := gin.H{"ok": false, "error": rej.Code}
	if !rej.ExpiresAt.IsZero() {
		body["expires_at"] = rej.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if rej.Code == guestbook.CodeRateLimited {
		c.Header("Retry-After", "60")
	}
	c.JSON(rej.Status, body)
}
