package handler

import "carenotes/internal/audit/models"

// QueryResponse is returned by the event listing and search endpoints.
type QueryResponse struct {
	Events     []models.Event `json:"events"`
	Count      int            `json:"count"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func toQueryResponse(page *models.Page) QueryResponse {
	events := page.Events
	if events == nil {
		events = []models.Event{}
	}
	return QueryResponse{
		Events:     events,
		Count:      len(events),
		NextCursor: page.NextCursor,
	}
}
