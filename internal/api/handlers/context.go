package handlers

import (
	"strconv"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const partnerContextKey = "partner"

// SetPartner stores the authenticated partner on the request
func SetPartner(c *gin.Context, partner *models.Partner) {
	c.Set(partnerContextKey, partner)
}

// CurrentPartner returns the partner stored by SetPartner
func CurrentPartner(c *gin.Context) (*models.Partner, bool) {
	v, ok := c.Get(partnerContextKey)
	if !ok {
		return nil, false
	}
	partner, ok := v.(*models.Partner)
	return partner, ok && partner != nil
}

func pathID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(models.ErrInvalidArgument, "%s is not a valid id", name)
	}
	return id, nil
}

func queryID(c *gin.Context, name string) (uuid.UUID, error) {
	raw := c.Query(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrapf(models.ErrInvalidArgument, "%s is not a valid id", name)
	}
	return id, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Wrapf(models.ErrInvalidArgument, "%s must be a non-negative integer", name)
	}
	return v, nil
}
