package upstream

import (
	"encoding/json"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/domain"
)

type loginEnvelope struct {
	Token string               `json:"token" validate:"required"`
	User  *domain.UpstreamUser `json:"user" validate:"required"`
}

type userEnvelope struct {
	User *domain.UpstreamUser `json:"user" validate:"required"`
}

type productListEnvelope struct {
	Products   []domain.Product `json:"products" validate:"dive"`
	Total      int              `json:"total" validate:"gte=0"`
	TotalPages int              `json:"totalPages" validate:"gte=0"`
}

// saleEnvelope wraps create, complete and get-sale responses: {"data": Sale}.
type saleEnvelope struct {
	Data *domain.Sale `json:"data" validate:"required"`
}

// actionEnvelope wraps cancel and refund confirmations, where the sale echo
// is optional.
type actionEnvelope struct {
	Message string       `json:"message"`
	Data    *domain.Sale `json:"data"`
}

type saleListEnvelope struct {
	Sales      []domain.Sale        `json:"sales" validate:"dive"`
	Total      int                  `json:"total" validate:"gte=0"`
	Page       int                  `json:"page" validate:"gte=0"`
	Limit      int                  `json:"limit" validate:"gte=0"`
	TotalPages int                  `json:"totalPages" validate:"gte=0"`
	Summary    *domain.SalesSummary `json:"summary"`
}

type errorEnvelope struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Errors  json.RawMessage `json:"errors"`
}

type fieldEntry struct {
	Field   string `json:"field"`
	Path    string `json:"path"`
	Param   string `json:"param"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func (e fieldEntry) fieldError() apperror.FieldError {
	field := e.Field
	if field == "" {
		field = e.Path
	}
	if field == "" {
		field = e.Param
	}
	message := e.Message
	if message == "" {
		message = e.Msg
	}
	return apperror.FieldError{Field: field, Message: message}
}
