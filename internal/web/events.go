package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/syncer"
)

// Recurring edit modes. Only "all" is implemented.
const (
	modeAll         = "all"
	modeSingle      = "single"
	modeThisAndNext = "this_and_future"
)

// instancesResponse is the JSON response shape for GET /api/events.
type instancesResponse struct {
	Instances       []instanceDTO `json:"instances"`
	FallbackUIDs    []string      `json:"fallback_uids,omitempty"`
	TruncatedUIDs   []string      `json:"truncated_uids,omitempty"`
	RangeStart      time.Time     `json:"range_start"`
	RangeEnd        time.Time     `json:"range_end"`
	DisplayTimeZone string        `json:"display_timezone"`
}

type instanceDTO struct {
	CalendarID  string    `json:"calendar_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Recurring   bool      `json:"recurring"`
	MasterUID   string    `json:"master_uid,omitempty"`
	RRule       string    `json:"rrule,omitempty"`
}

type eventDTO struct {
	UID          string      `json:"uid"`
	CalendarID   string      `json:"calendar_id"`
	Summary      string      `json:"summary"`
	Description  string      `json:"description"`
	Location     string      `json:"location"`
	Start        time.Time   `json:"start"`
	End          time.Time   `json:"end"`
	AllDay       bool        `json:"all_day"`
	Timezone     string      `json:"timezone,omitempty"`
	RRule        string      `json:"rrule,omitempty"`
	RDates       []time.Time `json:"rdates,omitempty"`
	ExDates      []time.Time `json:"exdates,omitempty"`
	RecurrenceID string      `json:"recurrence_id,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	Revision     int         `json:"revision"`
	SyncStatus   string      `json:"sync_status"`
	Created      time.Time   `json:"created"`
	LastModified time.Time   `json:"last_modified"`
}

func toEventDTO(ev model.Event) eventDTO {
	return eventDTO{
		UID:          ev.UID,
		CalendarID:   ev.CalendarID,
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Start:        ev.Start,
		End:          ev.End,
		AllDay:       ev.AllDay,
		Timezone:     ev.Timezone,
		RRule:        ev.RRule,
		RDates:       ev.RDates,
		ExDates:      ev.ExDates,
		RecurrenceID: ev.RecurrenceID,
		ETag:         ev.ETag,
		Revision:     ev.Revision,
		SyncStatus:   string(ev.SyncStatus),
		Created:      ev.Created,
		LastModified: ev.LastModified,
	}
}

// mutationResponse reports the stored record and whether it reached the
// server.
type mutationResponse struct {
	Event     *eventDTO `json:"event,omitempty"`
	Deleted   bool      `json:"deleted"`
	Synced    bool      `json:"synced"`
	PushError string    `json:"push_error,omitempty"`
}

func toMutationResponse(res syncer.MutationResult) mutationResponse {
	out := mutationResponse{Deleted: res.Deleted, Synced: res.PushErr == nil}
	if !res.Deleted {
		dto := toEventDTO(res.Event)
		out.Event = &dto
		out.Synced = res.Event.SyncStatus == model.StatusSynced
	}
	if res.PushErr != nil {
		out.PushError = res.PushErr.Error()
	}
	return out
}

// handleListInstances returns expanded instances within a window.
//
// GET /api/events?start=...&end=...&calendar_ids=a,b
//   - start: RFC3339 or YYYY-MM-DD (required)
//   - end:   defaults to start + expand.default_window_days
//   - calendar_ids: comma-separated filter; empty means all
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}
	start, err := parseTimeParam(q.Get("start"), s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end := start.AddDate(0, 0, s.cfg.Expand.DefaultWindowDays)
	if v := q.Get("end"); v != "" {
		if end, err = parseTimeParam(v, s.loc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	var ids []string
	for _, id := range strings.Split(q.Get("calendar_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	res, err := s.engine.ListInstances(r.Context(), ids, start, end)
	if err != nil {
		s.writeEngineError(w, "list instances", err)
		return
	}

	dtos := make([]instanceDTO, 0, len(res.Instances))
	for _, in := range res.Instances {
		dtos = append(dtos, instanceDTO{
			CalendarID:  in.CalendarID,
			UID:         in.UID,
			InstanceKey: in.InstanceKey,
			Summary:     in.Summary,
			Description: in.Description,
			Location:    in.Location,
			AllDay:      in.AllDay,
			Start:       in.Start,
			End:         in.End,
			Recurring:   in.Recurring,
			MasterUID:   in.MasterUID,
			RRule:       in.RRule,
		})
	}

	writeJSON(w, http.StatusOK, instancesResponse{
		Instances:       dtos,
		FallbackUIDs:    res.Fallbacks,
		TruncatedUIDs:   res.Truncated,
		RangeStart:      start,
		RangeEnd:        end,
		DisplayTimeZone: s.loc.String(),
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ev, err := s.engine.GetEvent(r.Context(), vars["calendarID"], vars["uid"])
	if err != nil {
		s.writeEngineError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

type createEventRequest struct {
	CalendarID  string      `json:"calendar_id"`
	UID         string      `json:"uid"`
	Summary     string      `json:"summary"`
	Description string      `json:"description"`
	Location    string      `json:"location"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	AllDay      bool        `json:"all_day"`
	Timezone    string      `json:"timezone"`
	RRule       string      `json:"rrule"`
	RDates      []time.Time `json:"rdates"`
	ExDates     []time.Time `json:"exdates"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CalendarID == "" {
		writeError(w, http.StatusBadRequest, "calendar_id is required")
		return
	}

	res, err := s.engine.ApplyLocalMutation(r.Context(), req.CalendarID, syncer.Mutation{
		Kind: syncer.MutationCreate,
		UID:  req.UID,
		Draft: ics.Draft{
			Summary:     req.Summary,
			Description: req.Description,
			Location:    req.Location,
			Start:       req.Start,
			End:         req.End,
			AllDay:      req.AllDay,
			Timezone:    req.Timezone,
			RRule:       req.RRule,
			RDates:      req.RDates,
			ExDates:     req.ExDates,
		},
	})
	if err != nil {
		s.writeEngineError(w, "create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMutationResponse(res))
}

type updateEventRequest struct {
	Summary     *string      `json:"summary"`
	Description *string      `json:"description"`
	Location    *string      `json:"location"`
	Start       *time.Time   `json:"start"`
	End         *time.Time   `json:"end"`
	AllDay      *bool        `json:"all_day"`
	Timezone    *string      `json:"timezone"`
	RRule       *string      `json:"rrule"`
	RDates      *[]time.Time `json:"rdates"`
	ExDates     *[]time.Time `json:"exdates"`
}

func (req updateEventRequest) patch() ics.Patch {
	return ics.Patch{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		AllDay:      req.AllDay,
		Timezone:    req.Timezone,
		RRule:       req.RRule,
		RDates:      req.RDates,
		ExDates:     req.ExDates,
	}
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	if !s.checkMode(w, r) {
		return
	}
	var req updateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	vars := mux.Vars(r)
	res, err := s.engine.ApplyLocalMutation(r.Context(), vars["calendarID"], syncer.Mutation{
		Kind:  syncer.MutationUpdate,
		UID:   vars["uid"],
		Patch: req.patch(),
	})
	if err != nil {
		s.writeEngineError(w, "update event", err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(res))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if !s.checkMode(w, r) {
		return
	}
	vars := mux.Vars(r)
	res, err := s.engine.ApplyLocalMutation(r.Context(), vars["calendarID"], syncer.Mutation{
		Kind: syncer.MutationDelete,
		UID:  vars["uid"],
	})
	if err != nil {
		s.writeEngineError(w, "delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(res))
}

// checkMode rejects recurring edit modes other than "all".
func (s *Server) checkMode(w http.ResponseWriter, r *http.Request) bool {
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", modeAll:
		return true
	case modeSingle, modeThisAndNext:
		appLog.Info("recurring edit mode not supported", "mode", mode)
		writeError(w, http.StatusNotImplemented, "mode "+mode+" is not supported; use mode=all")
	default:
		writeError(w, http.StatusBadRequest, "unknown mode "+mode)
	}
	return false
}

// parseTimeParam accepts RFC3339 or a bare date, which is taken as local
// midnight in loc.
func parseTimeParam(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("expected RFC3339 or YYYY-MM-DD")
}
