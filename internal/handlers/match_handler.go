package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakeduel/backend/internal/game"
	"github.com/stakeduel/backend/internal/matchmaking"
	"github.com/stakeduel/backend/internal/models"
	"github.com/stakeduel/backend/internal/presence"
	"github.com/stakeduel/backend/internal/services"
)

type MatchHandler struct {
	manager   *game.Manager
	queue     *matchmaking.Queue
	lobbies   *matchmaking.LobbyService
	bots      *matchmaking.BotService
	presence  *presence.Service
	serverID  string
	validator *services.ValidationHelper
}

func NewMatchHandler(manager *game.Manager, queue *matchmaking.Queue, lobbies *matchmaking.LobbyService, bots *matchmaking.BotService, ps *presence.Service, serverID string) *MatchHandler {
	return &MatchHandler{
		manager:   manager,
		queue:     queue,
		lobbies:   lobbies,
		bots:      bots,
		presence:  ps,
		serverID:  serverID,
		validator: services.NewValidationHelper(),
	}
}

func authedPlayer(w http.ResponseWriter, r *http.Request) (models.Player, bool) {
	userID, ok := authedUser(w, r)
	if !ok {
		return models.Player{}, false
	}
	username, _ := r.Context().Value("username").(string)
	return models.Player{UserID: userID, Username: username}, true
}

func matchmakingStatus(err error) int {
	switch {
	case errors.Is(err, matchmaking.ErrInvalidGameType),
		errors.Is(err, matchmaking.ErrInvalidTier),
		errors.Is(err, matchmaking.ErrInvalidBet):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, matchmaking.ErrLobbyNotFound):
		return http.StatusNotFound
	case errors.Is(err, matchmaking.ErrLobbyFull),
		errors.Is(err, matchmaking.ErrHostOffline):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// JoinQueue enters the caller into a matchmaking queue
// @Summary Join matchmaking queue
// @Description Add the caller to the pairing queue for a game type and stake tier
// @Tags Matchmaking
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{gameType=string,tier=string,betAmount=string} true "Queue request"
// @Success 202 {object} object{queued=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /matchmaking/queue [post]
func (h *MatchHandler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	player, ok := authedPlayer(w, r)
	if !ok {
		return
	}

	var req struct {
		GameType  string          `json:"gameType" validate:"required"`
		Tier      string          `json:"tier" validate:"required"`
		BetAmount decimal.Decimal `json:"betAmount" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry := models.QueueEntry{UserID: player.UserID, Username: player.Username, BetAmount: req.BetAmount}
	if err := h.queue.Join(r.Context(), req.GameType, req.Tier, entry); err != nil {
		services.SendErrorResponse(w, err.Error(), matchmakingStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true})
}

// CreateLobby opens a private code-joinable lobby
// @Summary Create lobby
// @Tags Matchmaking
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{gameType=string,betAmount=string} true "Lobby request"
// @Success 201 {object} object{code=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /matchmaking/lobby [post]
func (h *MatchHandler) CreateLobby(w http.ResponseWriter, r *http.Request) {
	player, ok := authedPlayer(w, r)
	if !ok {
		return
	}

	var req struct {
		GameType  string          `json:"gameType" validate:"required"`
		BetAmount decimal.Decimal `json:"betAmount" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, err := h.lobbies.Create(r.Context(), player, req.GameType, req.BetAmount)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), matchmakingStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "code": code})
}

// JoinLobby joins an open lobby by its invite code
// @Summary Join lobby
// @Tags Matchmaking
// @Produce json
// @Security BearerAuth
// @Param code path string true "Lobby code"
// @Success 200 {object} object{joined=bool}
// @Failure 402 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /matchmaking/lobby/{code}/join [post]
func (h *MatchHandler) JoinLobby(w http.ResponseWriter, r *http.Request) {
	player, ok := authedPlayer(w, r)
	if !ok {
		return
	}

	code := chi.URLParam(r, "code")
	if err := h.lobbies.Join(r.Context(), player, code); err != nil {
		services.SendErrorResponse(w, err.Error(), matchmakingStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "joined": true})
}

// LobbyInviteQR renders the lobby invite link as a QR code
// @Summary Lobby invite QR
// @Tags Matchmaking
// @Produce png
// @Security BearerAuth
// @Param code path string true "Lobby code"
// @Success 200 {file} binary
// @Failure 404 {object} services.ErrorResponse
// @Router /matchmaking/lobby/{code}/qr [get]
func (h *MatchHandler) LobbyInviteQR(w http.ResponseWriter, r *http.Request) {
	if _, ok := authedUser(w, r); !ok {
		return
	}

	code := chi.URLParam(r, "code")
	if _, err := h.lobbies.Get(r.Context(), code); err != nil {
		services.SendErrorResponse(w, err.Error(), matchmakingStatus(err), nil)
		return
	}

	png, err := h.lobbies.InviteQR(code)
	if err != nil {
		services.SendErrorResponse(w, "Failed to render QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// PlayBot starts a practice match against the bot
// @Summary Play against the bot
// @Tags Matchmaking
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{gameType=string,betAmount=string} true "Bot match request"
// @Success 201 {object} object{matchId=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /matchmaking/bot [post]
func (h *MatchHandler) PlayBot(w http.ResponseWriter, r *http.Request) {
	player, ok := authedPlayer(w, r)
	if !ok {
		return
	}

	var req struct {
		GameType  string          `json:"gameType" validate:"required"`
		BetAmount decimal.Decimal `json:"betAmount" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	matchID, err := h.bots.CreateBotMatch(r.Context(), player, req.GameType, req.BetAmount)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), matchmakingStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "matchId": matchID})
}

func gameStatus(err error) int {
	switch {
	case errors.Is(err, game.ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, game.ErrMatchInactive),
		errors.Is(err, game.ErrOutOfTurn):
		return http.StatusConflict
	case errors.Is(err, game.ErrUnknownAction),
		errors.Is(err, game.ErrUnknownGame):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetMatch returns the current match state
// @Summary Get match state
// @Tags Matches
// @Produce json
// @Security BearerAuth
// @Param matchId path string true "Match ID"
// @Success 200 {object} models.MatchState
// @Failure 404 {object} services.ErrorResponse
// @Router /matches/{matchId} [get]
func (h *MatchHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := authedUser(w, r); !ok {
		return
	}

	matchID := chi.URLParam(r, "matchId")
	state, err := h.manager.GetState(r.Context(), matchID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), gameStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "match": state})
}

// Ready reports the caller as connected to the match
// @Summary Signal readiness
// @Description Mark the caller connected; the match enters betting once every human is ready
// @Tags Matches
// @Produce json
// @Security BearerAuth
// @Param matchId path string true "Match ID"
// @Success 200 {object} object{ready=bool}
// @Failure 404 {object} services.ErrorResponse
// @Router /matches/{matchId}/ready [post]
func (h *MatchHandler) Ready(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	matchID := chi.URLParam(r, "matchId")
	if err := h.presence.SetOnline(r.Context(), userID, h.serverID); err != nil {
		log.Printf("[MATCH] Failed to record presence for %s: %v", userID, err)
	}
	if err := h.manager.HandlePlayerConnected(r.Context(), matchID, userID); err != nil {
		services.SendErrorResponse(w, err.Error(), gameStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ready": true})
}

// Move submits the caller's move for the current round
// @Summary Submit move
// @Tags Matches
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param matchId path string true "Match ID"
// @Param request body object{action=string} true "Move"
// @Success 200 {object} models.MatchState
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /matches/{matchId}/move [post]
func (h *MatchHandler) Move(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Action string `json:"action" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	matchID := chi.URLParam(r, "matchId")
	move := models.Move{UserID: userID, Action: req.Action}
	if err := h.manager.HandleMove(r.Context(), matchID, move); err != nil {
		services.SendErrorResponse(w, err.Error(), gameStatus(err), nil)
		return
	}

	state, err := h.manager.GetState(r.Context(), matchID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), gameStatus(err), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "match": state})
}

// Heartbeat refreshes the caller's presence record
// @Summary Presence heartbeat
// @Tags Presence
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{online=bool}
// @Router /presence/heartbeat [post]
func (h *MatchHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	if err := h.presence.SetOnline(r.Context(), userID, h.serverID); err != nil {
		services.SendErrorResponse(w, "Failed to record presence", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "online": true})
}
