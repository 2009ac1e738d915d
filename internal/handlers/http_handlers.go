package handlers

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
	"prizedraw/internal/odds"
	"prizedraw/internal/services"
)

const defaultEventLimit = 100

// HTTPHandler holds the dependencies for the HTTP handlers, like the draw service.
type HTTPHandler struct {
	service *services.DrawService
	auth    *Authenticator
}

// NewHTTPHandler creates a new HTTPHandler. Every mutating route requires a
// bearer token from auth.
func NewHTTPHandler(service *services.DrawService, auth *Authenticator) *HTTPHandler {
	return &HTTPHandler{service: service, auth: auth}
}

type bundleRequest struct {
	Bundle models.Bundle `json:"bundle"`
}

type burnRequest struct {
	Bundle models.Bundle `json:"bundle"`
	Slot   uint64        `json:"slot"`
}

type burn2Request struct {
	Bundle models.Bundle `json:"bundle"`
	Slot1  uint64        `json:"slot1"`
	Slot2  uint64        `json:"slot2"`
}

type killRequest struct {
	Killed bool `json:"killed"`
}

type configRequest struct {
	Update models.ConfigUpdate `json:"update"`
}

// publicConfig is the configuration as served to anyone. The administrator
// address stays private.
type publicConfig struct {
	Killed           bool           `json:"killed"`
	FreeDrawTokenID  uint64         `json:"freeDrawTokenId"`
	TicketPrice      uint64         `json:"ticketPrice"`
	BurnTicketPrice  uint64         `json:"burnTicketPrice"`
	MaxOdds          uint64         `json:"maxOdds"`
	OracleRef        string         `json:"oracleRef"`
	RandomnessWindow uint64         `json:"randomnessWindow"`
	Treasury         models.Address `json:"treasury"`
	Engine           models.Address `json:"engine"`
}

func newPublicConfig(cfg models.GlobalConfig) publicConfig {
	return publicConfig{
		Killed:           cfg.Killed,
		FreeDrawTokenID:  cfg.FreeDrawTokenID,
		TicketPrice:      cfg.TicketPrice,
		BurnTicketPrice:  cfg.BurnTicketPrice,
		MaxOdds:          cfg.MaxOdds,
		OracleRef:        cfg.OracleRef,
		RandomnessWindow: cfg.RandomnessWindow,
		Treasury:         cfg.Treasury,
		Engine:           cfg.Engine,
	}
}

type freeTokensRequest struct {
	Bundle models.Bundle `json:"bundle"`
	Count  uint64        `json:"count"`
}

// RegisterRoutes registers all the application routes.
func (h *HTTPHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", h.Health)
	router.GET("/config", h.GetConfig)
	router.GET("/odds", h.GetOdds)

	authed := h.auth.Middleware()

	accounts := router.Group("/accounts/:address")
	accounts.GET("", h.GetAccount)
	accounts.GET("/events", h.ListEvents)
	accounts.GET("/events/export", h.ExportEventsCSV)
	accounts.POST("/exec", authed, h.Exec)

	// only the account itself may change it
	own := accounts.Group("", authed, h.ownAccount)
	own.POST("/optin", h.OptIn)
	own.POST("/closeout", h.CloseOut)
	own.POST("/collect", h.Collect)
	own.POST("/refund", h.Refund)

	draws := router.Group("/draws", authed)
	draws.POST("/draw", h.Draw)
	draws.POST("/draw3", h.Draw3)
	draws.POST("/free", h.FreeDraw)
	draws.POST("/burn", h.BurnDraw)
	draws.POST("/burn2", h.BurnDraw2)
	draws.POST("/burn3", h.BurnDraw3)

	admin := router.Group("/admin", authed)
	admin.POST("/kill", h.SetKillSwitch)
	admin.POST("/config", h.UpdateConfig)
	admin.POST("/free-tokens", h.IssueFreeDrawTokens)
	admin.POST("/odds", h.UploadOddsCSV)
}

// fail renders err as {"error": label, "kind": kind} with the status for its kind.
func (h *HTTPHandler) fail(c *gin.Context, err error) {
	if errs.KindOf(err) == errs.KindUnknown {
		logger.Errorf("%s %s [%s]: %v", c.Request.Method, c.Request.URL.Path, c.GetString(requestIDKey), err)
	}
	abort(c, err)
}

func (h *HTTPHandler) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		logger.Infof("bad request body on %s: %v", c.FullPath(), err)
		h.fail(c, errs.ErrBadRequest)
		return false
	}
	return true
}

// bindBundle binds a request carrying a bundle and checks that the bundle is
// sent by the principal. A missing sender defaults to the principal.
func (h *HTTPHandler) bindBundle(c *gin.Context, v interface{}, b *models.Bundle) bool {
	if !h.bind(c, v) {
		return false
	}
	p := principal(c)
	if b.Sender == "" {
		b.Sender = p
	}
	if b.Sender != p {
		logger.Warningf("%s sent a bundle as %s on %s", p, b.Sender, c.FullPath())
		h.fail(c, errs.ErrUnauthorized)
		return false
	}
	return true
}

// ownAccount rejects requests on an account other than the principal's.
func (h *HTTPHandler) ownAccount(c *gin.Context) {
	if p := principal(c); p != address(c) {
		logger.Warningf("%s tried %s on account %s", p, c.FullPath(), address(c))
		h.fail(c, errs.ErrUnauthorized)
		return
	}
	c.Next()
}

// bindStrict is bind with unknown keys rejected, for the admin surface.
func (h *HTTPHandler) bindStrict(c *gin.Context, v interface{}) bool {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		logger.Infof("bad request body on %s: %v", c.FullPath(), err)
		h.fail(c, errs.ErrBadRequest)
		return false
	}
	return true
}

func address(c *gin.Context) models.Address {
	return models.Address(c.Param("address"))
}

// Health reports liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetConfig returns the public part of the global configuration.
func (h *HTTPHandler) GetConfig(c *gin.Context) {
	cfg, err := h.service.Config(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":                 newPublicConfig(cfg),
		"ticketPriceDisplay":     models.FormatAmount(cfg.TicketPrice),
		"burnTicketPriceDisplay": models.FormatAmount(cfg.BurnTicketPrice),
	})
}

// GetOdds returns the prize entries currently in the odds table.
func (h *HTTPHandler) GetOdds(c *gin.Context) {
	entries, err := h.service.Odds(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GetAccount returns the account with its pending draw state.
func (h *HTTPHandler) GetAccount(c *gin.Context) {
	view, err := h.service.Account(c.Request.Context(), address(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func eventLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventLimit)))
	if err != nil || limit <= 0 {
		return defaultEventLimit
	}
	return limit
}

// ListEvents returns the latest draw events of an account.
func (h *HTTPHandler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), address(c), eventLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ExportEventsCSV handles the request to download the draw events of an account as a CSV file.
func (h *HTTPHandler) ExportEventsCSV(c *gin.Context) {
	addr := address(c)
	events, err := h.service.Events(c.Request.Context(), addr, eventLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", exportDisposition(addr))

	// BOM so spreadsheet tools read the file as UTF-8
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"id", "round", "offset", "random", "mapped", "prize_id", "slot", "created_at"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		return
	}
	for _, e := range events {
		row := []string{
			e.ID,
			strconv.FormatUint(e.Round, 10),
			strconv.Itoa(e.Offset),
			e.Random,
			strconv.FormatUint(e.Mapped, 10),
			strconv.FormatUint(e.PrizeID, 10),
			strconv.Itoa(e.Slot),
			e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
	}
}

// exportDisposition names the export after addr. FormatMediaType quotes
// separators and percent-encodes control bytes.
func exportDisposition(addr models.Address) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": string(addr) + "_draws.csv"})
}

// OptIn creates an empty account.
func (h *HTTPHandler) OptIn(c *gin.Context) {
	acct, err := h.service.OptIn(c.Request.Context(), address(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

// CloseOut pays out held prizes and removes the account.
func (h *HTTPHandler) CloseOut(c *gin.Context) {
	transfers, err := h.service.CloseOut(c.Request.Context(), address(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

// Collect pays out every prize held in the account's slots.
func (h *HTTPHandler) Collect(c *gin.Context) {
	transfers, err := h.service.Collect(c.Request.Context(), address(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

// Exec resolves the account's queued draw on behalf of the principal.
func (h *HTTPHandler) Exec(c *gin.Context) {
	events, err := h.service.Exec(c.Request.Context(), principal(c), address(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Refund returns the paid amount of an expired draw.
func (h *HTTPHandler) Refund(c *gin.Context) {
	amount, err := h.service.Refund(c.Request.Context(), principal(c), address(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunded": amount, "refundedDisplay": models.FormatAmount(amount)})
}

func (h *HTTPHandler) queued(c *gin.Context, target uint64, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"targetRound": target})
}

// Draw queues one paid unit.
func (h *HTTPHandler) Draw(c *gin.Context) {
	var req bundleRequest
	if !h.bindBundle(c, &req, &req.Bundle) {
		return
	}
	target, err := h.service.Draw(c.Request.Context(), req.Bundle)
	h.queued(c, target, err)
}

// Draw3 queues three paid units.
func (h *HTTPHandler) Draw3(c *gin.Context) {
	var req bundleRequest
	if !h.bindBundle(c, &req, &req.Bundle) {
		return
	}
	target, err := h.service.Draw3(c.Request.Context(), req.Bundle)
	h.queued(c, target, err)
}

// FreeDraw queues one unit paid with a free-draw token.
func (h *HTTPHandler) FreeDraw(c *gin.Context) {
	var req bundleRequest
	if !h.bindBundle(c, &req, &req.Bundle) {
		return
	}
	target, err := h.service.FreeDraw(c.Request.Context(), req.Bundle)
	h.queued(c, target, err)
}

// BurnDraw burns one slot and queues one unit.
func (h *HTTPHandler) BurnDraw(c *gin.Context) {
	var req burnRequest
	if !h.bindBundle(c, &req, &req.Bundle) {
		return
	}
	target, err := h.service.BurnDraw(c.Request.Context(), req.Bundle, req.Slot)
	h.queued(c, target, err)
}

// BurnDraw2 burns two slots and queues two units.
func (h *HTTPHandler) BurnDraw2(c *gin.Context) {
	var req burn2Request
	if !h.bindBundle(c, &req, &req.Bundle) {
		return
	}
	target, err := h.service.BurnDraw2(c.Request.Context(), req.Bundle, req.Slot1, req.Slot2)
	h.queued(c, target, err)
}

// BurnDraw3 burns all three slots and queues three units.
func (h *HTTPHandler) BurnDraw3(c *gin.Context) {
	var req bundleRequest
	if !h.bindBundle(c, &req, &req.Bundle) {
		return
	}
	target, err := h.service.BurnDraw3(c.Request.Context(), req.Bundle)
	h.queued(c, target, err)
}

// SetKillSwitch turns the kill switch on or off.
func (h *HTTPHandler) SetKillSwitch(c *gin.Context) {
	var req killRequest
	if !h.bindStrict(c, &req) {
		return
	}
	if err := h.service.SetKillSwitch(c.Request.Context(), principal(c), req.Killed); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": req.Killed})
}

// UpdateConfig changes the updatable configuration fields. Unknown keys are rejected.
func (h *HTTPHandler) UpdateConfig(c *gin.Context) {
	var req configRequest
	if !h.bindStrict(c, &req) {
		return
	}
	cfg, err := h.service.UpdateConfig(c.Request.Context(), principal(c), req.Update)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": newPublicConfig(cfg)})
}

// IssueFreeDrawTokens sells free-draw tokens to the administrator.
func (h *HTTPHandler) IssueFreeDrawTokens(c *gin.Context) {
	var req freeTokensRequest
	if !h.bindStrict(c, &req) {
		return
	}
	if req.Bundle.Sender == "" {
		req.Bundle.Sender = principal(c)
	}
	if req.Bundle.Sender != principal(c) {
		h.fail(c, errs.ErrUnauthorized)
		return
	}
	tr, err := h.service.IssueFreeDrawTokens(c.Request.Context(), req.Bundle, req.Count)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": tr})
}

// UploadOddsCSV replaces the odds table from an uploaded CSV file of
// prize_id,cumulative_weight rows. Any malformed row rejects the whole file.
func (h *HTTPHandler) UploadOddsCSV(c *gin.Context) {
	caller := principal(c)
	file, _, err := c.Request.FormFile("oddsCSV")
	if err != nil {
		logger.Infof("Error retrieving odds file: %v", err)
		h.fail(c, errs.ErrBadRequest)
		return
	}
	defer file.Close()

	entries, err := parseOddsCSV(file)
	if err != nil {
		logger.Infof("Rejected odds CSV from %s: %v", caller, err)
		h.fail(c, errs.ErrInvalidOdds)
		return
	}
	if err := h.service.PublishOdds(c.Request.Context(), caller, entries); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func parseOddsCSV(r io.Reader) ([]odds.Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	var entries []odds.Entry
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, err
		}
		weight, err := strconv.ParseUint(strings.TrimSpace(record[1]), 10, 64)
		if err != nil {
			return nil, err
		}
		entries = append(entries, odds.Entry{PrizeID: id, Weight: weight})
	}
	return entries, nil
}
