package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/baechuer/eventbus/internal/eventbus"
)

// Handler exposes the bus's inspection queries and a manual-post endpoint
// over HTTP, in the style of the teacher's rest.Handler wrapping a service.
type Handler struct {
	bus   *eventbus.Bus
	codec *eventbus.Codec
}

// NewHandler builds a Handler over bus, decoding manual-post bodies with
// codec.
func NewHandler(bus *eventbus.Bus, codec *eventbus.Codec) *Handler {
	return &Handler{bus: bus, codec: codec}
}

func parseSearchKeys(r *http.Request) (*int64, int64, bool) {
	q := r.URL.Query()
	sk2Str := q.Get("search_key2")
	sk2, err := strconv.ParseInt(sk2Str, 10, 64)
	if err != nil {
		return nil, 0, false
	}

	if sk1Str := q.Get("search_key1"); sk1Str != "" {
		sk1, err := strconv.ParseInt(sk1Str, 10, 64)
		if err != nil {
			return nil, 0, false
		}
		return &sk1, sk2, true
	}
	return nil, sk2, true
}

// GetInProcessing handles GET /admin/v1/events/in-processing.
func (h *Handler) GetInProcessing(w http.ResponseWriter, r *http.Request) {
	rows, err := h.bus.GetInProcessing(r.Context())
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "internal", "query failed", requestIDFrom(r.Context()))
		return
	}
	data(w, r, http.StatusOK, rowsToView(rows))
}

// GetReady handles GET /admin/v1/events/ready?search_key1=&search_key2=.
func (h *Handler) GetReady(w http.ResponseWriter, r *http.Request) {
	sk1, sk2, ok := parseSearchKeys(r)
	if !ok {
		fail(w, r, http.StatusBadRequest, "request.invalid", "search_key2 is required and must be an integer", requestIDFrom(r.Context()))
		return
	}
	rows, err := h.bus.GetReady(r.Context(), sk1, sk2)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "internal", "query failed", requestIDFrom(r.Context()))
		return
	}
	data(w, r, http.StatusOK, rowsToView(rows))
}

// GetReadyOrInProcessing handles GET /admin/v1/events/ready-or-in-processing.
func (h *Handler) GetReadyOrInProcessing(w http.ResponseWriter, r *http.Request) {
	sk1, sk2, ok := parseSearchKeys(r)
	if !ok {
		fail(w, r, http.StatusBadRequest, "request.invalid", "search_key2 is required and must be an integer", requestIDFrom(r.Context()))
		return
	}
	rows, err := h.bus.GetReadyOrInProcessing(r.Context(), sk1, sk2)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "internal", "query failed", requestIDFrom(r.Context()))
		return
	}
	data(w, r, http.StatusOK, rowsToView(rows))
}

// postRequest is the manual-post body: a class name already registered with
// the bus's codec plus its raw JSON payload, letting an operator replay or
// inject an event without a producing service.
type postRequest struct {
	ClassName string          `json:"class_name"`
	Payload   json.RawMessage `json:"payload"`
}

// Post handles POST /admin/v1/events, decoding the body's payload with the
// codec and publishing it through the bus's normal non-transactional Post.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", requestIDFrom(r.Context()))
		return
	}

	event, err := h.codec.Decode(req.ClassName, req.Payload)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "unknown class_name or malformed payload", requestIDFrom(r.Context()))
		return
	}

	h.bus.Post(r.Context(), event)
	data(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// rowView is the JSON-facing projection of eventbus.Row: the admin surface
// never exposes raw event_json bytes verbatim as a string without knowing
// it's valid JSON, so it's passed through as json.RawMessage.
type rowView struct {
	RecordID        int64           `json:"record_id"`
	ClassName       string          `json:"class_name"`
	EventJSON       json.RawMessage `json:"event_json"`
	UserToken       string          `json:"user_token"`
	SearchKey1      *int64          `json:"search_key1,omitempty"`
	SearchKey2      int64           `json:"search_key2"`
	ProcessingState string          `json:"processing_state"`
	ProcessingOwner *string         `json:"processing_owner,omitempty"`
	ErrorCount      int             `json:"error_count"`
}

func rowsToView(rows []eventbus.Row) []rowView {
	views := make([]rowView, 0, len(rows))
	for _, r := range rows {
		views = append(views, rowView{
			RecordID:        r.RecordID,
			ClassName:       r.ClassName,
			EventJSON:       json.RawMessage(r.EventJSON),
			UserToken:       r.UserToken.String(),
			SearchKey1:      r.SearchKey1,
			SearchKey2:      r.SearchKey2,
			ProcessingState: string(r.ProcessingState),
			ProcessingOwner: r.ProcessingOwner,
			ErrorCount:      r.ErrorCount,
		})
	}
	return views
}
