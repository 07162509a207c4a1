// Package transport implements the HTTP surface and WS event stream
// described in spec.md §6, using the teacher's bare net/http.ServeMux
// (Go 1.22+ pattern routing) for REST and gorilla/websocket for the
// event stream, authenticated via middleware.RequireAuth. This package
// is intentionally thin — the scheduling core is transport-agnostic —
// it exists only so cmd/server has something runnable to wire.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/middleware"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/scheduling"
	"github.com/stickyrelay/wa-scheduler/store"
)

// Deps holds every dependency the HTTP surface needs.
type Deps struct {
	Scheduling *scheduling.Service
	Limiter    *ratelimit.Limiter
	Bus        *events.Bus
	JWTSecret  []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	requireAuth := middleware.RequireAuth(d.JWTSecret)

	mux.HandleFunc("GET /api/health", health(d))

	mux.Handle("POST /api/messages", requireAuth(http.HandlerFunc(createMessage(d))))
	mux.Handle("POST /api/messages/bulk", requireAuth(http.HandlerFunc(createMessagesBulk(d))))
	mux.Handle("GET /api/messages", requireAuth(http.HandlerFunc(listMessages(d))))
	mux.Handle("GET /api/messages/{id}", requireAuth(http.HandlerFunc(getMessage(d))))
	mux.Handle("PATCH /api/messages/{id}", requireAuth(http.HandlerFunc(editMessage(d))))
	mux.Handle("POST /api/messages/{id}/cancel", requireAuth(http.HandlerFunc(cancelMessage(d))))
	mux.Handle("POST /api/messages/{id}/retry", requireAuth(http.HandlerFunc(retryMessage(d))))

	mux.Handle("POST /api/messages/recurring", requireAuth(http.HandlerFunc(createRule(d))))
	mux.Handle("GET /api/messages/recurring", requireAuth(http.HandlerFunc(listRules(d))))
	mux.Handle("GET /api/messages/recurring/{id}", requireAuth(http.HandlerFunc(getRule(d))))
	mux.Handle("PATCH /api/messages/recurring/{id}", requireAuth(http.HandlerFunc(updateRule(d))))
	mux.Handle("DELETE /api/messages/recurring/{id}", requireAuth(http.HandlerFunc(deleteRule(d))))

	mux.Handle("GET /api/rate-limit/status", requireAuth(http.HandlerFunc(rateLimitStatus(d))))

	mux.Handle("GET /api/events", requireAuth(http.HandlerFunc(eventStream(d))))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps a scheduling.Error's Kind to spec.md §7's disposition
// table, mirroring the teacher's router's per-handler writeError calls
// but centralized since every handler here shares one error taxonomy.
func statusFor(err error) (int, string) {
	se, ok := err.(*scheduling.Error)
	if !ok {
		return http.StatusInternalServerError, err.Error()
	}
	switch se.Kind {
	case scheduling.KindValidation:
		return http.StatusBadRequest, se.Message
	case scheduling.KindNotFound:
		return http.StatusNotFound, se.Message
	case scheduling.KindConflict:
		return http.StatusConflict, se.Message
	case scheduling.KindDailyCapReached:
		return http.StatusTooManyRequests, se.Message
	case scheduling.KindProviderTransient, scheduling.KindProviderFatal:
		return http.StatusBadGateway, se.Message
	case scheduling.KindIntegrity:
		return http.StatusUnprocessableEntity, se.Message
	default:
		return http.StatusInternalServerError, se.Message
	}
}

func writeSchedulingError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	writeError(w, code, msg)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

// ---- messages ----

type messageBody struct {
	ContactID   string          `json:"contactId,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Name        string          `json:"name,omitempty"`
	GroupID     string          `json:"groupId,omitempty"`
	Content     string          `json:"content"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	MediaURL    string          `json:"mediaUrl,omitempty"`
	MediaType   store.MediaKind `json:"mediaType,omitempty"`
}

func (b messageBody) toRequest() scheduling.ScheduleRequest {
	return scheduling.ScheduleRequest{
		ContactID:   b.ContactID,
		Phone:       b.Phone,
		ContactName: b.Name,
		GroupRef:    b.GroupID,
		Content:     b.Content,
		MediaURL:    b.MediaURL,
		MediaKind:   b.MediaType,
		ScheduledAt: b.ScheduledAt,
	}
}

func createMessage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body messageBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		intent, rl, err := d.Scheduling.Schedule(r.Context(), body.toRequest())
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"intent": intent, "rateLimit": rl})
	}
}

func createMessagesBulk(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []messageBody `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		items := make([]scheduling.ScheduleRequest, len(body.Messages))
		for i, m := range body.Messages {
			items[i] = m.toRequest()
		}
		scheduled, failed, rl, err := d.Scheduling.ScheduleBulk(r.Context(), items)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		if failed == nil {
			failed = []scheduling.BulkFailure{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scheduled": scheduled,
			"failed":    failed,
			"rateLimit": rl,
		})
	}
}

func listMessages(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.IntentFilter{}
		if s := q.Get("status"); s != "" {
			st := store.Status(s)
			filter.Status = &st
		}
		if c := q.Get("contactId"); c != "" {
			filter.ContactRef = &c
		}
		if p := q.Get("phone"); p != "" {
			filter.Phone = &p
		}
		if m := q.Get("phoneMode"); m != "" {
			filter.PhoneMode = store.PhoneMode(m)
		}
		if l := q.Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil {
				filter.Limit = n
			}
		}
		if o := q.Get("offset"); o != "" {
			if n, err := strconv.Atoi(o); err == nil {
				filter.Offset = n
			}
		}

		out, err := d.Scheduling.List(r.Context(), filter)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getMessage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		in, err := d.Scheduling.Get(r.Context(), id)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func editMessage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		var patch store.IntentPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		updated, err := d.Scheduling.Edit(r.Context(), id, patch)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func cancelMessage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		updated, err := d.Scheduling.Cancel(r.Context(), id)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		if updated == nil {
			writeError(w, http.StatusConflict, "intent is not pending")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func retryMessage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		updated, err := d.Scheduling.Retry(r.Context(), id)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// ---- recurrence rules ----

type ruleBody struct {
	ContactID  string          `json:"contactId"`
	Kind       store.RuleKind  `json:"kind"`
	Content    string          `json:"content"`
	MediaURL   string          `json:"mediaUrl,omitempty"`
	MediaType  store.MediaKind `json:"mediaType,omitempty"`
	Hour       int             `json:"hour"`
	Minute     int             `json:"minute"`
	DayOfWeek  int             `json:"dayOfWeek,omitempty"`
	DayOfMonth int             `json:"dayOfMonth,omitempty"`
	Month      int             `json:"month,omitempty"`
	EveryNDays int             `json:"everyNDays,omitempty"`
	EndDate    *time.Time      `json:"endDate,omitempty"`
}

func createRule(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ruleBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		rule, err := d.Scheduling.CreateRule(r.Context(), scheduling.RuleRequest{
			ContactRef: body.ContactID,
			Kind:       body.Kind,
			Content:    body.Content,
			MediaURL:   body.MediaURL,
			MediaKind:  body.MediaType,
			Hour:       body.Hour,
			Minute:     body.Minute,
			DayOfWeek:  body.DayOfWeek,
			DayOfMonth: body.DayOfMonth,
			Month:      body.Month,
			EveryNDays: body.EveryNDays,
			EndDate:    body.EndDate,
		})
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	}
}

func listRules(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabledOnly := r.URL.Query().Get("enabled") == "true"
		rules, err := d.Scheduling.ListRules(r.Context(), enabledOnly)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	}
}

func getRule(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		rule, err := d.Scheduling.GetRule(r.Context(), id)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func updateRule(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		var patch store.RulePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		rule, err := d.Scheduling.UpdateRule(r.Context(), id, patch)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func deleteRule(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		if err := d.Scheduling.DisableRule(r.Context(), id); err != nil {
			writeSchedulingError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- rate limit ----

func rateLimitStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := d.Limiter.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ---- system ----

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// ---- event stream ----

// eventStream upgrades to a WebSocket and relays every Bus event as a
// {"type": kind, "data": data} envelope per spec.md §6, until the
// client disconnects or the bus subscription is torn down.
func eventStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := d.Bus.Subscribe(32)
		defer d.Bus.Unsubscribe(sub)

		for ev := range sub {
			if err := conn.WriteJSON(map[string]any{"type": ev.Kind, "data": ev.Data}); err != nil {
				return
			}
		}
	}
}
