// Package api is the request/response surface: tournament and leaderboard
// operations over HTTP, plus the websocket endpoint for live races.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/leaderboard"
	"github.com/velotype/velotype/internal/match"
	"github.com/velotype/velotype/internal/race"
	"github.com/velotype/velotype/internal/tournament"
	"github.com/velotype/velotype/internal/ws"
)

type Config struct {
	Engine      *gin.Engine
	Tournament  *tournament.Service
	Leaderboard *leaderboard.Service
	Match       *match.Service
	Rooms       *race.Manager
	Gateway     *ws.Gateway
}

type API struct {
	ts    *tournament.Service
	ls    *leaderboard.Service
	ms    *match.Service
	rooms *race.Manager
}

func New(c Config) *API {
	a := &API{
		ts:    c.Tournament,
		ls:    c.Leaderboard,
		ms:    c.Match,
		rooms: c.Rooms,
	}

	e := c.Engine
	e.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	e.GET("/ws", gin.WrapF(c.Gateway.Handle))

	e.GET("/api/leaderboards/:period", a.getLeaderboard)
	e.GET("/api/rooms/public", a.listPublicRooms)
	e.GET("/api/users/:userId/matches", a.listUserMatches)
	e.POST("/api/matches", a.recordMatch)

	e.GET("/api/tournaments", a.listTournaments)
	e.POST("/api/tournaments", a.createTournament)
	e.GET("/api/tournaments/:id", a.getTournament)
	e.POST("/api/tournaments/:id/join", a.joinTournament)
	e.POST("/api/tournaments/:id/start", a.startTournament)
	e.POST("/api/tournaments/:id/submit", a.submitScore)
	e.DELETE("/api/tournaments/:id", a.deleteTournament)

	return a
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{"error": e.Message})
}

func (a *API) getLeaderboard(c *gin.Context) {
	limit := 100

	switch period := domain.Period(c.Param("period")); period {
	case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly:
		c.JSON(http.StatusOK, a.ls.Windowed(c.Request.Context(), period, limit))
	case domain.PeriodAllTime:
		c.JSON(http.StatusOK, a.ls.AllTime(c.Request.Context(), limit))
	default:
		// Unrecognized periods fall back to the all-time board.
		c.JSON(http.StatusOK, a.ls.AllTime(c.Request.Context(), limit))
	}
}

func (a *API) listPublicRooms(c *gin.Context) {
	c.JSON(http.StatusOK, a.rooms.WaitingRooms())
}

func (a *API) listUserMatches(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	_ = c.ShouldBindQuery(&q)

	matches, err := a.ms.List(c.Request.Context(), match.ListRequest{
		UserID: c.Param("userId"),
		Limit:  q.Limit,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, matches)
}

func (a *API) recordMatch(c *gin.Context) {
	var req struct {
		UserID          string  `json:"userId"`
		Mode            string  `json:"mode"`
		Category        string  `json:"category"`
		Difficulty      string  `json:"difficulty"`
		WPM             float64 `json:"wpm"`
		Accuracy        float64 `json:"accuracy"`
		DurationSeconds int     `json:"durationSeconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	rec, err := a.ms.Record(c.Request.Context(), match.RecordRequest{
		UserID:          req.UserID,
		Mode:            req.Mode,
		Category:        req.Category,
		Difficulty:      req.Difficulty,
		WPM:             req.WPM,
		Accuracy:        req.Accuracy,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rec)
}

func (a *API) listTournaments(c *gin.Context) {
	status := domain.TournamentStatus(c.Query("status"))
	c.JSON(http.StatusOK, a.ts.List(c.Request.Context(), status))
}

func (a *API) createTournament(c *gin.Context) {
	var req struct {
		Name      string                  `json:"name"`
		CreatedBy string                  `json:"createdBy"`
		Config    domain.TournamentConfig `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	t, err := a.ts.Create(c.Request.Context(), tournament.CreateRequest{
		Name:      req.Name,
		CreatedBy: req.CreatedBy,
		Config:    req.Config,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}

func (a *API) getTournament(c *gin.Context) {
	t, err := a.ts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (a *API) joinTournament(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	t, err := a.ts.Join(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

func (a *API) startTournament(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	t, err := a.ts.Start(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

func (a *API) submitScore(c *gin.Context) {
	var req struct {
		UserID   string  `json:"userId"`
		WPM      float64 `json:"wpm"`
		Accuracy float64 `json:"accuracy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	t, err := a.ts.SubmitScore(c.Request.Context(), tournament.SubmitScoreRequest{
		TournamentID: c.Param("id"),
		UserID:       req.UserID,
		WPM:          req.WPM,
		Accuracy:     req.Accuracy,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	// The submission also lands in the match log so it counts toward
	// windowed leaderboards.
	if _, err := a.ms.Record(c.Request.Context(), match.RecordRequest{
		UserID:          req.UserID,
		Mode:            "tournament",
		Category:        "tournament",
		Difficulty:      t.Config.Difficulty,
		WPM:             req.WPM,
		Accuracy:        req.Accuracy,
		DurationSeconds: t.Config.DurationSeconds,
	}); err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

func (a *API) deleteTournament(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		var req userRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			userID = req.UserID
		}
	}

	if err := a.ts.Delete(c.Request.Context(), c.Param("id"), userID); err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
