package api

import (
	"net/http"
	"strings"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/mix"
	"atmoslofi/internal/payment"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionKeyUser = "user_id"

type savePresetRequest struct {
	Name string         `json:"name"`
	Mix  mix.Parameters `json:"mix"`
}

type signInRequest struct {
	UserID string `json:"user_id"`
}

type orderRequest struct {
	PackID string `json:"pack_id"`
}

type verifyRequest struct {
	PackID string `json:"pack_id"`
	payment.Callback
}

// Catalog lists the built-in presets
func (a *API) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": mix.Catalog(), "default_mix": mix.Default()})
}

// MoodDescription explains a mood detected by the Auto preset
func (a *API) MoodDescription(c *gin.Context) {
	mood := c.Param("mood")
	text, err := a.backend.Description(c.Request.Context(), mood)
	if err != nil {
		log.Warn().Str("mood", mood).Err(err).Msg("mood description failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mood": mood, "description": text})
}

// ListPresets returns the caller's custom presets, newest first
func (a *API) ListPresets(c *gin.Context) {
	list, err := a.storeFor(c).Presets(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("load presets failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": list})
}

// SavePreset captures the given mix under a name
func (a *API) SavePreset(c *gin.Context) {
	var req savePresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errBadRequest)
		return
	}
	p, err := mix.NewCustomPreset(req.Name, req.Mix)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := a.storeFor(c).SavePreset(c.Request.Context(), p); err != nil {
		log.Error().Err(err).Str("preset_id", p.ID).Msg("save preset failed")
		writeError(c, err)
		return
	}
	log.Info().Str("preset_id", p.ID).Str("name", p.Name).Msg("preset saved")
	c.JSON(http.StatusCreated, p)
}

// DeletePreset removes a custom preset
func (a *API) DeletePreset(c *gin.Context) {
	if err := a.storeFor(c).DeletePreset(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListHistory returns recent conversions
func (a *API) ListHistory(c *gin.Context) {
	list, err := a.storeFor(c).History(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("load history failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": list})
}

// DeleteHistory removes one history entry
func (a *API) DeleteHistory(c *gin.Context) {
	if err := a.storeFor(c).DeleteHistory(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSession reports the signed-in identity, if any
func (a *API) GetSession(c *gin.Context) {
	id := auth.FromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "signed_in": id.SignedIn()})
}

// SignIn binds an identity id to the session cookie. Verifying the id is the
// auth provider's job.
func (a *API) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		writeError(c, errBadRequest)
		return
	}
	session := sessions.Default(c)
	session.Set(sessionKeyUser, strings.TrimSpace(req.UserID))
	if err := session.Save(); err != nil {
		log.Error().Err(err).Msg("session save failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": strings.TrimSpace(req.UserID), "signed_in": true})
}

// SignOut clears the session
func (a *API) SignOut(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		log.Error().Err(err).Msg("session clear failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Packs lists purchasable credit packs
func (a *API) Packs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packs": payment.Packs()})
}

// CreateOrder opens a payment order for a pack
func (a *API) CreateOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errBadRequest)
		return
	}
	order, err := a.checkout.CreateOrder(c.Request.Context(), auth.FromContext(c.Request.Context()), req.PackID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// VerifyPayment confirms a completed payment and returns the credit balance
func (a *API) VerifyPayment(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errBadRequest)
		return
	}
	res, err := a.checkout.Verify(c.Request.Context(), auth.FromContext(c.Request.Context()), req.PackID, req.Callback)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
