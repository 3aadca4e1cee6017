package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ladderlegends/internal/analysis"
	"ladderlegends/internal/auth"
	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/fingerprint"
	"ladderlegends/internal/index"
	"ladderlegends/internal/matcher"
	"ladderlegends/internal/replay"
	"ladderlegends/internal/series"
)

// multipart framing allowance on top of the file itself
const formOverhead = 1 << 20

type uploadedReplay struct {
	*replay.UserReplayData
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint"`
}

func newUploadedReplay(rec *replay.UserReplayData) uploadedReplay {
	out := uploadedReplay{UserReplayData: rec}
	if fp, ok := rec.Subject(); ok {
		out.Fingerprint = &fp
	}
	return out
}

func principal(c *gin.Context) *auth.Principal {
	p, _ := auth.PrincipalFrom(c)
	return p
}

func userID(c *gin.Context) string {
	if p := principal(c); p != nil {
		return p.UserID
	}
	return ""
}

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBytes+formOverhead)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(c, apperrors.ValidationError{Field: "file", Message: "file too large"})
			return
		}
		s.writeError(c, apperrors.ValidationError{Field: "file", Message: "missing replay file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.writeError(c, apperrors.ValidationError{Field: "file", Message: "unreadable replay file"})
		return
	}
	defer f.Close()
	// one extra byte lets the size check see oversized files
	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		s.writeError(c, apperrors.ValidationError{Field: "file", Message: "unreadable replay file"})
		return
	}

	res, err := s.deps.Replays.Upload(c.Request.Context(), analysis.Upload{
		Principal:     principal(c),
		Filename:      fh.Filename,
		Data:          data,
		PlayerName:    c.PostForm("player_name"),
		TargetBuildID: c.PostForm("target_build_id"),
		Matchup:       c.PostForm("matchup"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"replay":        newUploadedReplay(res.Replay),
		"index_updated": res.IndexUpdated,
	})
}

func (s *Server) getReplay(c *gin.Context) {
	rec, err := s.deps.Replays.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUploadedReplay(rec))
}

func (s *Server) deleteReplay(c *gin.Context) {
	if err := s.deps.Replays.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getIndex(c *gin.Context) {
	var opts index.FetchOptions
	var err error
	if opts.Rebuild, err = boolQuery(c, "rebuild"); err != nil {
		s.writeError(c, err)
		return
	}
	if opts.Validate, err = boolQuery(c, "validate"); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.deps.Indexes.Fetch(c.Request.Context(), userID(c), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) rebuildIndex(c *gin.Context) {
	res, err := s.deps.Indexes.Fetch(c.Request.Context(), userID(c), index.FetchOptions{Rebuild: true})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSeries(c *gin.Context) {
	period, err := series.ParsePeriod(c.Query("period"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	f := series.Filters{Matchup: strings.TrimSpace(c.Query("matchup"))}
	if f.From, err = timeQuery(c, "from"); err != nil {
		s.writeError(c, err)
		return
	}
	if f.To, err = timeQuery(c, "to"); err != nil {
		s.writeError(c, err)
		return
	}
	ts, err := s.deps.Series.Series(c.Request.Context(), userID(c), period, f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (s *Server) listBuilds(c *gin.Context) {
	var builds []matcher.ReferenceBuild
	if m := c.Query("matchup"); m != "" {
		builds = s.deps.Catalog.ByMatchup(m)
	} else {
		builds = s.deps.Catalog.Builds()
	}
	if builds == nil {
		builds = []matcher.ReferenceBuild{}
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds})
}

type matchRequest struct {
	Signature string `json:"signature" binding:"required"`
	Matchup   string `json:"matchup" binding:"required"`
}

func (s *Server) matchBuild(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.ValidationError{Message: "signature and matchup are required"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Replays.Match(req.Signature, req.Matchup))
}

func boolQuery(c *gin.Context, name string) (bool, error) {
	v := c.Query(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperrors.ValidationError{Field: name, Message: "must be true or false"}
	}
	return b, nil
}

// timeQuery accepts RFC 3339 timestamps or plain dates (UTC midnight).
func timeQuery(c *gin.Context, name string) (time.Time, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, apperrors.ValidationError{Field: name, Message: "must be a date or RFC 3339 time"}
}
