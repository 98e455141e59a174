package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/internal/apperr"
	"supportchat/internal/chat"
	"supportchat/internal/providers"
	"supportchat/internal/storage"
)

type sendBody struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message" binding:"required"`
	Model          string `json:"model"`
}

type createBody struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Model string `json:"model"`
}

type renameBody struct {
	Title string `json:"title" binding:"required"`
}

type listQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

type messageJSON struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type conversationJSON struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Model     string        `json:"model"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Messages  []messageJSON `json:"messages,omitempty"`
}

type sendJSON struct {
	ConversationID string           `json:"conversationId"`
	Model          string           `json:"model"`
	Message        messageJSON      `json:"message"`
	Usage          *providers.Usage `json:"usage,omitempty"`
}

func toMessageJSON(m storage.Message) messageJSON {
	return messageJSON{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

func toConversationJSON(c storage.Conversation) conversationJSON {
	return conversationJSON{ID: c.ID, Title: c.Title, Model: c.Model, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.PublicMessage(err)})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}

// streamChat answers with an event stream. Once the body is bound every
// outcome, failures included, is delivered as frames on a 200 response.
func (h *handler) streamChat(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	em, err := newStreamEmitter(c.Writer, h.allowOrigin, h.keepAlive)
	if err != nil {
		respondError(c, err)
		return
	}
	defer em.stop()

	err = h.svc.Stream(c.Request.Context(), chat.SendRequest{
		OwnerID:        ownerID(c),
		ConversationID: body.ConversationID,
		Message:        body.Message,
		Model:          body.Model,
	}, em)
	if err != nil {
		_ = c.Error(err)
	}
}

func (h *handler) sendChat(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.Send(c.Request.Context(), chat.SendRequest{
		OwnerID:        ownerID(c),
		ConversationID: body.ConversationID,
		Message:        body.Message,
		Model:          body.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sendJSON{
		ConversationID: res.ConversationID,
		Model:          res.Model,
		Message:        toMessageJSON(res.Message),
		Usage:          res.Usage,
	})
}

func (h *handler) listModels(c *gin.Context) {
	models := h.svc.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{"id": m})
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (h *handler) listConversations(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	convs, err := h.svc.ListConversations(c.Request.Context(), ownerID(c), q.Limit, q.Offset)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]conversationJSON, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toConversationJSON(conv))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *handler) createConversation(c *gin.Context) {
	var body createBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}
	conv, err := h.svc.CreateConversation(c.Request.Context(), chat.CreateRequest{
		OwnerID:        ownerID(c),
		ConversationID: body.ID,
		Title:          body.Title,
		Model:          body.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toConversationJSON(conv))
}

func (h *handler) getConversation(c *gin.Context) {
	view, err := h.svc.GetConversation(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := toConversationJSON(view.Conversation)
	out.Messages = make([]messageJSON, 0, len(view.Messages))
	for _, m := range view.Messages {
		out.Messages = append(out.Messages, toMessageJSON(m))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) renameConversation(c *gin.Context) {
	var body renameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := h.svc.RenameConversation(c.Request.Context(), ownerID(c), c.Param("id"), body.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationJSON(conv))
}

func (h *handler) deleteConversation(c *gin.Context) {
	if err := h.svc.DeleteConversation(c.Request.Context(), ownerID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) clearConversation(c *gin.Context) {
	if err := h.svc.ClearConversation(c.Request.Context(), ownerID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
