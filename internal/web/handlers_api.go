package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"homescript/internal/coordinator"
	"homescript/internal/store"
	"homescript/internal/value"
)

// noRoom stands in for an empty room in URL paths.
const noRoom = "-"

type trackRequest struct {
	Name     string   `json:"name"`
	Room     string   `json:"room"`
	Home     string   `json:"home"`
	TimeoutS *float64 `json:"timeout_s,omitempty"`
}

type trackResponse struct {
	Identity store.Identity `json:"identity"`
	Tracked  bool           `json:"tracked"`
}

func (s *Server) handleAPITrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	id, err := store.ParseIdentity([]string{req.Name, req.Room, req.Home})
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	timeout := s.trackTimeout
	if req.TimeoutS != nil {
		if *req.TimeoutS < 0 || *req.TimeoutS > 3600 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timeout_s must be between 0 and 3600"})
			return
		}
		timeout = time.Duration(*req.TimeoutS * float64(time.Second))
	}

	got, ok, err := s.coord.TrackTimeout(r.Context(), id, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		got = id
	}
	s.writeJSON(w, http.StatusOK, trackResponse{Identity: got, Tracked: ok})
}

func (s *Server) handleAPITracked(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]store.Identity{
		"tracked": nonNil(s.coord.Tracked()),
		"pending": nonNil(s.coord.Pending()),
	})
}

func (s *Server) handleAPIHomes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.coord.Homes().Homes()))
}

func (s *Server) handleAPIListAccessories(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.coord.Store().Identities()))
}

func (s *Server) handleAPIGetAccessory(w http.ResponseWriter, r *http.Request) {
	id := pathIdentity(r)
	acc := s.coord.Store().Accessory(id)
	if acc == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "accessory not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"identity": id,
		"tracked":  s.coord.IsTracked(id),
		"services": acc,
	})
}

func (s *Server) handleAPIServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ServiceFilter{
		NamePrefix:           q.Get("name_prefix"),
		CharacteristicPrefix: q.Get("char_prefix"),
	}
	if q.Has("value") {
		v := value.Parse(q.Get("value"))
		f.Value = &v
	}
	s.writeJSON(w, http.StatusOK, nonNil(s.coord.Store().Services(pathIdentity(r), f)))
}

func (s *Server) handleAPIService(w http.ResponseWriter, r *http.Request) {
	chars := s.coord.Store().CharacteristicsAndValues(pathIdentity(r), r.PathValue("service"))
	if len(chars) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "service not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, chars)
}

func (s *Server) handleAPIGetCharacteristic(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.coord.Store().Characteristic(pathIdentity(r), r.PathValue("service"), r.PathValue("characteristic"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "characteristic not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPISetCharacteristic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *value.Value `json:"value"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"value\": ...}"})
		return
	}

	id := pathIdentity(r)
	svc, char := r.PathValue("service"), r.PathValue("characteristic")
	if err := s.coord.SetCharacteristic(r.Context(), id, svc, char, *req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAPIWriteErrors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.coord.WriteErrors()))
}

func (s *Server) handleAPIClearWriteErrors(w http.ResponseWriter, r *http.Request) {
	s.coord.ClearWriteErrors()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleAPISessionHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, sess.History())
}

func pathIdentity(r *http.Request) store.Identity {
	room := r.PathValue("room")
	if room == noRoom {
		room = ""
	}
	return store.Identity{Name: r.PathValue("name"), Room: room, Home: r.PathValue("home")}
}

// writeError maps coordinator errors to status codes. 5xx responses carry
// only the status text.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, coordinator.ErrIdentityConflict):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrNotTracked),
		errors.Is(err, coordinator.ErrServiceOrCharacteristicNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrDiscoveryAborted):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status >= 500 {
		s.logger.Warn("request failed", "status", status, "err", err)
		msg = http.StatusText(status)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
