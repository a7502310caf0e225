package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/megbot-dev/megbot/internal/logger"
	"github.com/megbot-dev/megbot/pkg/chat"
	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/gateway"
	"github.com/megbot-dev/megbot/pkg/llm/provider"
)

// ChatRequest is the body of POST /.
type ChatRequest struct {
	Message string `json:"message" form:"message"`
	Model   string `json:"model" form:"model"`
	ChatID  string `json:"chat_id" form:"chat_id"`
}

// ChatResponse is the body returned by POST /.
type ChatResponse struct {
	Response string `json:"response"`
}

// StatusResponse is returned by the clear and save endpoints.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	ChatID   string                 `json:"chat_id"`
	Messages []conversation.Message `json:"messages"`
}

type clearRequest struct {
	ChatID string `json:"chat_id" form:"chat_id" query:"chat_id"`
}

type saveKeyRequest struct {
	APIKey   string `json:"api_key" form:"api_key"`
	Provider string `json:"provider" form:"provider"`
}

type indexData struct {
	Models               []provider.Model
	DefaultModel         string
	CredentialConfigured bool
	CredentialProvider   string
	Providers            []string
}

// handleIndex renders the chat page.
// GET /
func (s *Server) handleIndex(c echo.Context) error {
	view := s.chat.Index(stateFrom(c))
	if err := s.commit(c); err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return s.page.Execute(c.Response(), indexData{
		Models:               view.Models,
		DefaultModel:         view.DefaultModel,
		CredentialConfigured: view.CredentialConfigured,
		CredentialProvider:   view.CredentialProvider,
		Providers:            s.chat.Catalog().Providers(),
	})
}

// handleChat sends one user message.
// POST /
func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ChatResponse{Response: "invalid request body"})
	}

	reply, err := s.chat.SendMessage(c.Request().Context(), stateFrom(c), chat.SendRequest{
		Message: req.Message,
		Model:   req.Model,
		ChatID:  req.ChatID,
	})
	if cerr := s.commit(c); cerr != nil {
		return c.JSON(http.StatusInternalServerError, ChatResponse{Response: "Sorry, an error occurred: failed to save conversation"})
	}

	if err != nil {
		var vErr *chat.ValidationError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, ChatResponse{Response: vErr.Message})
		}
		var gwErr *gateway.GatewayError
		if errors.As(err, &gwErr) {
			return c.JSON(http.StatusInternalServerError, ChatResponse{Response: "Sorry, an error occurred: " + gwErr.Message})
		}
		logger.FromContext(c.Request().Context()).Error("chat failed", "error", err)
		return c.JSON(http.StatusInternalServerError, ChatResponse{Response: "Sorry, an error occurred: " + err.Error()})
	}

	return c.JSON(http.StatusOK, ChatResponse{Response: reply})
}

// handleClearHistory resets one conversation or all of them.
// GET|POST /clear_history
func (s *Server) handleClearHistory(c echo.Context) error {
	var req clearRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Message: "invalid request body"})
	}
	// Bind only reads the query string for GET, DELETE and HEAD.
	if req.ChatID == "" {
		req.ChatID = c.QueryParam("chat_id")
	}

	msg := s.chat.ClearHistory(stateFrom(c), req.ChatID)
	if err := s.commit(c); err != nil {
		return c.JSON(http.StatusInternalServerError, StatusResponse{Status: "error", Message: "Failed to clear history"})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success", Message: msg})
}

// handleSaveAPIKey encrypts and stores the user's API key.
// POST /save_api_key
func (s *Server) handleSaveAPIKey(c echo.Context) error {
	var req saveKeyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Message: "invalid request body"})
	}

	err := s.chat.SaveCredential(stateFrom(c), req.APIKey, req.Provider)
	if err != nil {
		var vErr *chat.ValidationError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Message: vErr.Message})
		}
		logger.FromContext(c.Request().Context()).Error("failed to save API key", "error", err)
		return c.JSON(http.StatusInternalServerError, StatusResponse{Status: "error", Message: "Failed to save API key"})
	}

	if err := s.commit(c); err != nil {
		return c.JSON(http.StatusInternalServerError, StatusResponse{Status: "error", Message: "Failed to save API key"})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success", Message: chat.MsgAPIKeySaved})
}

// handleHistory returns one conversation.
// GET /history?chat_id=
func (s *Server) handleHistory(c echo.Context) error {
	chatID := c.QueryParam("chat_id")
	if chatID == "" {
		return c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Message: chat.MsgChatIDRequired})
	}

	msgs := s.chat.History(stateFrom(c), chatID)
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{ChatID: chatID, Messages: msgs})
}
