package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
	apperrors "confsfu/pkg/errors"
	"confsfu/pkg/validation"
)

// RoomLocator finds the instance hosting a room that is not open locally.
type RoomLocator interface {
	Owner(ctx context.Context, roomID domain.RoomID) (string, error)
}

// RoomHandler exposes read-only room snapshots for operators.
type RoomHandler struct {
	rooms   ports.RoomService
	locator RoomLocator
	logger  *zap.SugaredLogger
}

// NewRoomHandler builds the handler. locator may be nil when running a single instance.
func NewRoomHandler(rooms ports.RoomService, locator RoomLocator, logger *zap.SugaredLogger) *RoomHandler {
	return &RoomHandler{
		rooms:   rooms,
		locator: locator,
		logger:  logger,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.ListRooms(c.Request.Context())
	if rooms == nil {
		rooms = []*domain.RoomSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	roomID := domain.RoomID(id)

	snapshot, err := h.rooms.RoomSnapshot(c.Request.Context(), roomID)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"room": snapshot})
		return
	}
	if !errors.Is(err, domain.ErrRoomNotFound) || h.locator == nil {
		_ = c.Error(err)
		return
	}

	owner, lookupErr := h.locator.Owner(c.Request.Context(), roomID)
	if lookupErr != nil {
		h.logger.Warnw("room directory lookup failed", "room_id", roomID, "error", lookupErr)
	}
	if owner == "" {
		_ = c.Error(err)
		return
	}
	_ = c.Error(apperrors.FromDomain(err).WithContext("instance_id", owner))
}
