package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/galdor/go-chat/pkg/chat"
	"github.com/galdor/go-chat/pkg/raft"
	"github.com/galdor/go-service/pkg/shttp"
)

const writeRequestTimeout = 10 * time.Second

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/register", "POST", api.hRegisterPOST)
	api.Route("/login", "POST", api.hLoginPOST)
	api.Route("/logout", "POST", api.hLogoutPOST)
	api.Route("/account/delete", "POST", api.hAccountDeletePOST)
	api.Route("/accounts", "GET", api.hAccountsGET)
	api.Route("/messages/send", "POST", api.hMessagesSendPOST)
	api.Route("/messages", "GET", api.hMessagesGET)
	api.Route("/messages/delete", "POST", api.hMessagesDeletePOST)
	api.Route("/messages/read", "POST", api.hMessagesReadPOST)
	api.Route("/messages/stream", "GET", api.hMessagesStreamGET)
	api.Route("/cluster/status", "GET", api.hClusterStatusGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) gateway() *chat.Gateway {
	return api.Service.gateway
}

// ---------------------------------------------------------------------
// Requests and responses
// ---------------------------------------------------------------------

type WriteRequest struct {
	ClientId string `json:"clientId"`
	Sequence int64  `json:"sequence"`
}

type RegisterRequest struct {
	WriteRequest
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	UnreadCount int           `json:"unreadCount"`
	LastApplied raft.LogIndex `json:"lastApplied"`
}

type LogoutRequest struct {
	Username string `json:"username"`
}

type AccountDeleteRequest struct {
	WriteRequest
	Username string `json:"username"`
}

type AccountsResponse struct {
	Accounts    []string      `json:"accounts"`
	Page        int           `json:"page"`
	PerPage     int           `json:"perPage"`
	LastApplied raft.LogIndex `json:"lastApplied"`
}

type MessageSendRequest struct {
	WriteRequest
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type MessageSendResponse struct {
	Id chat.MessageId `json:"id"`
}

type MessagesResponse struct {
	Messages    []chat.Message `json:"messages"`
	LastApplied raft.LogIndex  `json:"lastApplied"`
}

type MessageIdsRequest struct {
	WriteRequest
	Username string           `json:"username"`
	Ids      []chat.MessageId `json:"ids"`
}

type APIError struct {
	Error         string             `json:"error"`
	Message       string             `json:"message,omitempty"`
	LeaderAddress raft.ServerAddress `json:"leaderAddress,omitempty"`
}

// ---------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------

func (api *APIServer) hRegisterPOST(h *shttp.Handler) {
	var req RegisterRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	ctx, cancel := api.writeContext(h)
	defer cancel()

	err := api.gateway().Register(ctx, req.ClientId, req.Sequence,
		req.Username, hashPassword(req.Password))
	if err != nil {
		api.replyRequestError(h, err)
		return
	}

	h.ReplyJSON(200, struct{}{})
}

func (api *APIServer) hLoginPOST(h *shttp.Handler) {
	var req LoginRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	nbUnread, lastApplied, err := api.gateway().Login(req.Username,
		hashPassword(req.Password))
	if err != nil {
		api.replyRequestError(h, err)
		return
	}

	h.ReplyJSON(200, &LoginResponse{
		UnreadCount: nbUnread,
		LastApplied: lastApplied,
	})
}

func (api *APIServer) hLogoutPOST(h *shttp.Handler) {
	var req LogoutRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	h.ReplyJSON(200, struct{}{})
}

func (api *APIServer) hAccountDeletePOST(h *shttp.Handler) {
	var req AccountDeleteRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	ctx, cancel := api.writeContext(h)
	defer cancel()

	err := api.gateway().DeleteAccount(ctx, req.ClientId, req.Sequence,
		req.Username)
	if err != nil {
		api.replyRequestError(h, err)
		return
	}

	h.ReplyJSON(200, struct{}{})
}

func (api *APIServer) hAccountsGET(h *shttp.Handler) {
	query := h.Request.URL.Query()

	pattern := query.Get("pattern")
	page := queryInt(query.Get("page"), 1)
	perPage := queryInt(query.Get("perPage"), 50)

	accounts, lastApplied := api.gateway().ListAccounts(pattern, page,
		perPage)
	if accounts == nil {
		accounts = []string{}
	}

	h.ReplyJSON(200, &AccountsResponse{
		Accounts:    accounts,
		Page:        page,
		PerPage:     perPage,
		LastApplied: lastApplied,
	})
}

func (api *APIServer) hMessagesSendPOST(h *shttp.Handler) {
	var req MessageSendRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	ctx, cancel := api.writeContext(h)
	defer cancel()

	id, err := api.gateway().SendMessage(ctx, req.ClientId, req.Sequence,
		req.Sender, req.Recipient, req.Content)
	if err != nil {
		api.replyRequestError(h, err)
		return
	}

	h.ReplyJSON(200, &MessageSendResponse{Id: id})
}

func (api *APIServer) hMessagesGET(h *shttp.Handler) {
	query := h.Request.URL.Query()

	username := query.Get("username")
	count := queryInt(query.Get("count"), 50)

	messages, lastApplied := api.gateway().Messages(username, count)
	if messages == nil {
		messages = []chat.Message{}
	}

	h.ReplyJSON(200, &MessagesResponse{
		Messages:    messages,
		LastApplied: lastApplied,
	})
}

func (api *APIServer) hMessagesDeletePOST(h *shttp.Handler) {
	var req MessageIdsRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	ctx, cancel := api.writeContext(h)
	defer cancel()

	err := api.gateway().DeleteMessages(ctx, req.ClientId, req.Sequence,
		req.Username, req.Ids)
	if err != nil {
		api.replyRequestError(h, err)
		return
	}

	h.ReplyJSON(200, struct{}{})
}

func (api *APIServer) hMessagesReadPOST(h *shttp.Handler) {
	var req MessageIdsRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	ctx, cancel := api.writeContext(h)
	defer cancel()

	err := api.gateway().MarkRead(ctx, req.ClientId, req.Sequence,
		req.Username, req.Ids)
	if err != nil {
		api.replyRequestError(h, err)
		return
	}

	h.ReplyJSON(200, struct{}{})
}

func (api *APIServer) hMessagesStreamGET(h *shttp.Handler) {
	username := h.Request.URL.Query().Get("username")

	sub, err := api.gateway().Subscribe(username)
	if err != nil {
		api.replyRequestError(h, err)
		return
	}
	defer sub.Close()

	w := h.ResponseWriter

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.replyRequestError(h, fmt.Errorf("streaming not supported"))
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	w.WriteHeader(200)
	flusher.Flush()

	ctx := h.Request.Context()

	for {
		select {
		case event, open := <-sub.C:
			if !open {
				return
			}

			if err := writeStreamEvent(w, event); err != nil {
				return
			}

			flusher.Flush()

			if event.LeaderChanged {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (api *APIServer) hClusterStatusGET(h *shttp.Handler) {
	status := api.gateway().ClusterStatus()
	h.ReplyJSON(200, &status)
}

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

func writeStreamEvent(w http.ResponseWriter, event chat.Event) error {
	var name string
	var value interface{}

	if event.LeaderChanged {
		name = "leaderChanged"
		value = struct {
			LeaderAddress raft.ServerAddress `json:"leaderAddress"`
		}{
			LeaderAddress: event.LeaderAddress,
		}
	} else {
		name = "message"
		value = event.Message
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func (api *APIServer) writeContext(h *shttp.Handler) (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.Request.Context(), writeRequestTimeout)
}

func (api *APIServer) replyRequestError(h *shttp.Handler, err error) {
	var notLeaderErr *raft.NotLeaderError
	var chatErr *chat.Error

	switch {
	case errors.As(err, &notLeaderErr):
		h.ReplyJSON(421, &APIError{
			Error:         "notLeader",
			Message:       notLeaderErr.Error(),
			LeaderAddress: notLeaderErr.LeaderAddress,
		})

	case errors.As(err, &chatErr):
		h.ReplyJSON(chatErrorStatus(chatErr.Kind), &APIError{
			Error:   string(chatErr.Kind),
			Message: chatErr.Message,
		})

	case errors.Is(err, raft.ErrLeadershipLost):
		h.ReplyJSON(503, &APIError{
			Error:   "leadershipLost",
			Message: err.Error(),
		})

	case errors.Is(err, context.DeadlineExceeded):
		h.ReplyJSON(504, &APIError{
			Error:   "timeout",
			Message: err.Error(),
		})

	default:
		h.ReplyJSON(500, &APIError{
			Error:   "internalError",
			Message: err.Error(),
		})
	}
}

func chatErrorStatus(kind chat.ErrorKind) int {
	switch kind {
	case chat.ErrorKindAlreadyExists:
		return 409
	case chat.ErrorKindUnknownUser, chat.ErrorKindUnknownRecipient:
		return 404
	case chat.ErrorKindBadCredentials:
		return 403
	default:
		return 400
	}
}

func queryInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return defaultValue
	}

	return n
}

func hashPassword(password string) string {
	checksum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(checksum[:])
}
