package web

import (
	"net/http"
	"strconv"
	"time"

	units "github.com/docker/go-units"

	"github.com/qman-project/qman-slave/internal/audit"
	"github.com/qman-project/qman-slave/internal/cache"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/quota"
)

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuotas(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.UseDockerQuota {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	dev, err := s.eng.Device(r.Context())
	if err != nil {
		s.log.Error("device report failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, []*quota.Device{dev})
}

func (s *Server) handleUserQuotas(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "uid must be numeric")
		return
	}
	s.writeUserQuotas(w, r, uid)
}

func (s *Server) handleUserQuotasByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	uid, err := s.res.UID(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found: "+name)
		return
	}
	s.writeUserQuotas(w, r, uid)
}

// writeUserQuotas reports the docker device filtered to one user, in
// the same shape as the full device listing.
func (s *Server) writeUserQuotas(w http.ResponseWriter, r *http.Request, uid int64) {
	if !s.cfg.UseDockerQuota {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	dev, err := s.eng.DeviceForUID(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dev == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, []*quota.Device{dev})
}

func (s *Server) handleSetUserQuota(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "uid must be numeric")
		return
	}
	device := r.URL.Query().Get("device")
	if device == "" {
		writeError(w, http.StatusBadRequest, "device query parameter required")
		return
	}
	if device != "docker" {
		writeError(w, http.StatusBadRequest, "device not recognized: "+device)
		return
	}
	if !s.cfg.UseDockerQuota {
		writeError(w, http.StatusBadRequest, "docker quota is disabled on this host")
		return
	}

	var body struct {
		BlockHardLimit int64 `json:"block_hard_limit"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.BlockHardLimit < 0 {
		writeError(w, http.StatusBadRequest, "block_hard_limit must be >= 0")
		return
	}

	entry, err := s.eng.SetUserQuota(r.Context(), uid, body.BlockHardLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleResolveUser(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username query parameter required")
		return
	}
	uid, err := s.res.UID(username)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found: "+username)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uid": uid, "name": username})
}

type containerRow struct {
	ContainerID  string `json:"container_id"`
	Name         string `json:"name,omitempty"`
	Image        string `json:"image,omitempty"`
	State        string `json:"state,omitempty"`
	HostUserName string `json:"host_user_name"`
	UID          int64  `json:"uid"`
	SizeBytes    int64  `json:"size_bytes"`
	SizeHuman    string `json:"size_human"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var live []docker.Container
	if !s.cch.Get(ctx, cache.KeyContainers, &live) {
		var err error
		if live, err = s.dkr.ListContainers(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.cch.Set(ctx, cache.KeyContainers, live)
	}
	byID := make(map[string]docker.Container, len(live))
	for _, ct := range live {
		byID[ct.ID] = ct
	}

	atts, err := s.st.AllContainerAttributions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows := make([]containerRow, 0, len(atts))
	for _, att := range atts {
		row := containerRow{
			ContainerID:  shortID(att.ContainerID),
			HostUserName: att.UserName,
			UID:          att.UID,
			SizeBytes:    att.SizeBytes,
		}
		if ct, ok := byID[att.ContainerID]; ok {
			row.Name = ct.Name
			row.Image = ct.Image
			row.State = ct.State
			if ct.SizeRw > 0 {
				row.SizeBytes = ct.SizeRw
			}
		}
		row.SizeHuman = units.HumanSize(float64(row.SizeBytes))
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	atts, err := s.st.AllImageAttributions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type imageRow struct {
		ImageID      string    `json:"image_id"`
		HostUserName string    `json:"puller_host_user_name"`
		UID          int64     `json:"puller_uid"`
		SizeBytes    int64     `json:"size_bytes"`
		SizeHuman    string    `json:"size_human"`
		CreatedAt    time.Time `json:"created_at"`
	}
	rows := make([]imageRow, 0, len(atts))
	for _, att := range atts {
		rows = append(rows, imageRow{
			ImageID:      shortID(att.ImageID),
			HostUserName: att.UserName,
			UID:          att.UID,
			SizeBytes:    att.SizeBytes,
			SizeHuman:    units.HumanSize(float64(att.SizeBytes)),
			CreatedAt:    att.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	atts, err := s.st.AllVolumeAttributions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type volumeRow struct {
		VolumeName   string    `json:"volume_name"`
		HostUserName string    `json:"host_user_name"`
		UID          int64     `json:"uid"`
		SizeBytes    int64     `json:"size_bytes"`
		SizeHuman    string    `json:"size_human"`
		Source       string    `json:"attribution_source"`
		FirstSeenAt  time.Time `json:"first_seen_at"`
	}
	rows := make([]volumeRow, 0, len(atts))
	for _, att := range atts {
		rows = append(rows, volumeRow{
			VolumeName:   att.VolumeName,
			HostUserName: att.UserName,
			UID:          att.UID,
			SizeBytes:    att.SizeBytes,
			SizeHuman:    units.HumanSize(float64(att.SizeBytes)),
			Source:       att.Source,
			FirstSeenAt:  att.FirstSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAuditHealth(w http.ResponseWriter, r *http.Request) {
	type healthReport struct {
		audit.Status
		DockerDaemonReachable bool `json:"docker_daemon_reachable"`
	}
	rep := healthReport{Status: s.aud.Health(r.Context())}
	rep.DockerDaemonReachable = s.dkr.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, rep)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
