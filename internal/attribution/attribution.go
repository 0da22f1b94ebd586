// Package attribution reconstructs which Linux user owns each Docker
// container, image, layer, and volume. Docker itself has no such
// concept, so ownership is correlated from audit records, daemon
// events, and explicit owner labels.
package attribution

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/qman-project/qman-slave/internal/audit"
	"github.com/qman-project/qman-slave/internal/cache"
	"github.com/qman-project/qman-slave/internal/clock"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/metrics"
	"github.com/qman-project/qman-slave/internal/store"
	"github.com/qman-project/qman-slave/internal/users"
)

const (
	// Audit records within this window of an object's creation count
	// as candidates for its owner.
	timeWindow = 120 * time.Second

	// ausearch start expression for candidate collection.
	auditLookBack = "60m"

	watermarkKey     = "docker_events_last_ts"
	watermarkDefault = 24 * time.Hour
)

type dockerAPI interface {
	ListContainers(ctx context.Context) ([]docker.Container, error)
	ListImages(ctx context.Context) ([]docker.Image, error)
	DiskUsage(ctx context.Context) (docker.Usage, error)
	ImageLayers(ctx context.Context, imageID string) ([]docker.Layer, error)
	ResolveImageRef(ctx context.Context, ref string) (string, error)
	CollectEventsSince(ctx context.Context, since time.Time, maxWall time.Duration, maxEvents int) ([]docker.Event, error)
}

type auditAPI interface {
	Query(ctx context.Context, since string) ([]audit.Record, error)
	Health(ctx context.Context) audit.Status
}

// SyncResult summarises one synchroniser pass.
type SyncResult struct {
	FromAudit      int `json:"from_audit"`
	FromEvents     int `json:"from_events"`
	ExistingImages int `json:"existing_images"`
	Volumes        int `json:"volumes"`
	NoCreatedTS    int `json:"skipped_no_created_ts"`
	NoAuditMatch   int `json:"skipped_no_audit_match"`
	PrunedLayers   int `json:"pruned_layers"`
	PrunedImages   int `json:"pruned_images"`
}

// Syncer runs the three attribution phases.
type Syncer struct {
	dkr dockerAPI
	aud auditAPI
	st  *store.Store
	cch *cache.Cache
	res *users.Resolver
	clk clock.Clock
	log *logging.Logger

	healthOnce sync.Once
}

func NewSyncer(dkr dockerAPI, aud auditAPI, st *store.Store, cch *cache.Cache, res *users.Resolver, clk clock.Clock, log *logging.Logger) *Syncer {
	return &Syncer{dkr: dkr, aud: aud, st: st, cch: cch, res: res, clk: clk, log: log}
}

// Run executes the phases in order. A failing phase is logged and the
// rest still run; the next scheduled pass is the retry mechanism.
func (s *Syncer) Run(ctx context.Context) SyncResult {
	start := s.clk.Now()
	s.healthOnce.Do(func() { s.aud.Health(ctx) })

	var res SyncResult
	status := "ok"
	if err := s.syncContainersFromAudit(ctx, &res); err != nil {
		s.log.Error("container audit sync failed", "error", err)
		status = "error"
	}
	if err := s.syncFromDockerEvents(ctx, &res); err != nil {
		s.log.Error("event sync failed", "error", err)
		status = "error"
	}
	if err := s.syncExistingImages(ctx, &res); err != nil {
		s.log.Error("image layer sync failed", "error", err)
		status = "error"
	}

	metrics.SyncRuns.WithLabelValues(status).Inc()
	metrics.SyncDuration.Observe(s.clk.Since(start).Seconds())
	s.log.Info("attribution sync complete",
		"from_audit", res.FromAudit, "from_events", res.FromEvents,
		"existing_images", res.ExistingImages, "volumes", res.Volumes,
		"no_created_ts", res.NoCreatedTS, "no_audit_match", res.NoAuditMatch,
		"pruned_layers", res.PrunedLayers, "pruned_images", res.PrunedImages,
		"took", s.clk.Since(start))
	return res
}

// --- phase 1 ---

func (s *Syncer) syncContainersFromAudit(ctx context.Context, res *SyncResult) error {
	containers, err := s.dkr.ListContainers(ctx)
	if err != nil {
		return err
	}

	var cands []candidate
	candsLoaded := false
	for _, ct := range containers {
		att, err := s.st.ContainerAttribution(ct.ID)
		if err != nil {
			return err
		}
		if att != nil {
			if ct.SizeRw > 0 {
				if err := s.st.UpdateContainerSize(ct.ID, ct.SizeRw); err != nil {
					return err
				}
			}
			continue
		}

		if label, ok := ct.Labels[users.OwnerLabel]; ok {
			uid, err := s.res.ParseOwnerLabel(label)
			if err == nil {
				if err := s.attributeContainer(ct.ID, uid, ct.ImageID, ct.SizeRw); err != nil {
					return err
				}
				res.FromAudit++
				continue
			}
			s.log.Warn("unresolvable owner label on container",
				"container", shortID(ct.ID), "label", label)
		}

		if ct.Created == 0 {
			res.NoCreatedTS++
			continue
		}
		if !candsLoaded {
			if cands, err = s.auditCandidates(ctx); err != nil {
				return err
			}
			candsLoaded = true
		}
		uid, ok := bestMatch(cands, time.Unix(ct.Created, 0))
		if !ok {
			res.NoAuditMatch++
			continue
		}
		if err := s.attributeContainer(ct.ID, uid, ct.ImageID, ct.SizeRw); err != nil {
			return err
		}
		res.FromAudit++
	}

	return s.syncVolumes(ctx, containers, res)
}

// syncVolumes gives named volumes an owner: an explicit owner label
// wins, otherwise the owner of a container mounting the volume. Sizes
// come from the daemon's usage snapshot. Volumes are never reconciled
// away, so a dangling volume keeps charging its owner.
func (s *Syncer) syncVolumes(ctx context.Context, containers []docker.Container, res *SyncResult) error {
	usage, err := s.dkr.DiskUsage(ctx)
	if err != nil {
		return err
	}
	if len(usage.Volumes) == 0 {
		return nil
	}

	mounter := make(map[string]string) // volume name -> container id, first mount wins
	for _, ct := range containers {
		for _, name := range ct.Volumes {
			if _, ok := mounter[name]; !ok {
				mounter[name] = ct.ID
			}
		}
	}

	for _, v := range usage.Volumes {
		size := v.Size
		if size < 0 {
			size = 0
		}

		if label, ok := v.Labels[users.OwnerLabel]; ok {
			if uid, err := s.res.ParseOwnerLabel(label); err == nil {
				err := s.st.SetVolumeAttribution(store.VolumeAttribution{
					VolumeName: v.Name,
					UserName:   s.res.DisplayName(uid),
					UID:        uid,
					SizeBytes:  size,
					Source:     store.SourceLabel,
				})
				if err != nil {
					return err
				}
				res.Volumes++
				metrics.Attributions.WithLabelValues("volume").Inc()
				continue
			}
			s.log.Warn("unresolvable owner label on volume", "volume", v.Name, "label", label)
		}

		if cid, ok := mounter[v.Name]; ok {
			att, err := s.st.ContainerAttribution(cid)
			if err != nil {
				return err
			}
			if att != nil {
				err := s.st.SetVolumeAttribution(store.VolumeAttribution{
					VolumeName: v.Name,
					UserName:   att.UserName,
					UID:        att.UID,
					SizeBytes:  size,
					Source:     store.SourceContainer,
				})
				if err != nil {
					return err
				}
				res.Volumes++
				metrics.Attributions.WithLabelValues("volume").Inc()
				continue
			}
		}
		if err := s.st.UpdateVolumeSize(v.Name, size); err != nil {
			return err
		}
	}
	return nil
}

// --- phase 2 ---

// Actions that invalidate the listing caches on first observation.
var (
	containerMutations = map[string]bool{
		"create": true, "destroy": true, "die": true,
		"kill": true, "start": true, "stop": true,
	}
	imageMutations = map[string]bool{
		"pull": true, "push": true, "tag": true,
		"untag": true, "delete": true, "remove": true,
	}
)

func (s *Syncer) syncFromDockerEvents(ctx context.Context, res *SyncResult) error {
	since := s.loadWatermark()
	events, err := s.dkr.CollectEventsSince(ctx, since, docker.DefaultEventMaxWall, docker.DefaultEventMaxEvents)
	if err != nil {
		// Watermark stays put so the next pass re-reads this span.
		return err
	}

	cands, err := s.auditCandidates(ctx)
	if err != nil {
		s.log.Warn("audit unavailable for event correlation", "error", err)
		cands = nil
	}

	invalidated := map[string]bool{}
	for _, ev := range events {
		s.maybeInvalidate(ctx, ev, invalidated)

		switch {
		case ev.Type == "container" && ev.Action == "create":
			if err := s.handleContainerCreate(ctx, ev, cands, res); err != nil {
				return err
			}
		case ev.Type == "container" && ev.Action == "commit":
			if err := s.handleCommit(ctx, ev, cands, res); err != nil {
				return err
			}
		case ev.Type == "image":
			if err := s.handleImageEvent(ctx, ev, cands, res); err != nil {
				return err
			}
		}
	}

	return s.writeWatermark()
}

func (s *Syncer) maybeInvalidate(ctx context.Context, ev docker.Event, done map[string]bool) {
	var key string
	switch {
	case ev.Type == "container" && containerMutations[ev.Action]:
		key = cache.KeyContainers
	case ev.Type == "image" && imageMutations[ev.Action]:
		key = cache.KeyImages
	default:
		return
	}
	if !done[key] {
		s.cch.Invalidate(ctx, key)
		done[key] = true
	}
}

func (s *Syncer) handleContainerCreate(ctx context.Context, ev docker.Event, cands []candidate, res *SyncResult) error {
	att, err := s.st.ContainerAttribution(ev.ActorID)
	if err != nil {
		return err
	}
	if att != nil {
		return nil
	}
	uid, ok := bestMatch(cands, time.Unix(0, ev.TimeNano))
	if !ok {
		res.NoAuditMatch++
		return nil
	}
	imageID := ""
	if ref := ev.Attributes["image"]; ref != "" {
		if imageID, err = s.dkr.ResolveImageRef(ctx, ref); err != nil {
			s.log.Warn("image ref resolution failed", "ref", ref, "error", err)
			imageID = ""
		}
	}
	if err := s.attributeContainer(ev.ActorID, uid, imageID, 0); err != nil {
		return err
	}
	res.FromEvents++
	return nil
}

// handleCommit attributes an image produced by docker commit. The
// source container's owner takes priority; otherwise the commit falls
// back to audit correlation like a pull.
func (s *Syncer) handleCommit(ctx context.Context, ev docker.Event, cands []candidate, res *SyncResult) error {
	imageID, err := s.dkr.ResolveImageRef(ctx, ev.ActorID)
	if err != nil {
		return err
	}
	if imageID == "" {
		if ref := ev.Attributes["imageID"]; ref != "" {
			if imageID, err = s.dkr.ResolveImageRef(ctx, ref); err != nil {
				return err
			}
		}
	}
	if imageID == "" {
		return nil
	}

	uid := int64(-1)
	if cid := ev.Attributes["container"]; cid != "" {
		att, err := s.st.ContainerAttribution(cid)
		if err != nil {
			return err
		}
		if att != nil {
			uid = att.UID
		}
	}
	if uid < 0 {
		matched, ok := bestMatch(cands, time.Unix(0, ev.TimeNano))
		if !ok {
			res.NoAuditMatch++
			return nil
		}
		uid = matched
	}
	if err := s.attributeImage(ctx, imageID, uid, store.MethodCommit, res); err != nil {
		return err
	}
	return nil
}

func (s *Syncer) handleImageEvent(ctx context.Context, ev docker.Event, cands []candidate, res *SyncResult) error {
	var method string
	switch ev.Action {
	case "pull":
		method = store.MethodPull
	case "tag":
		method = store.MethodBuild
	case "import":
		method = store.MethodImport
	case "load":
		method = store.MethodLoad
	default:
		return nil
	}

	// Image events carry name:tag in the actor id; store keys are full
	// image ids.
	imageID, err := s.dkr.ResolveImageRef(ctx, ev.ActorID)
	if err != nil {
		return err
	}
	if imageID == "" {
		return nil
	}
	if method == store.MethodBuild {
		att, err := s.st.ImageAttribution(imageID)
		if err != nil {
			return err
		}
		if att != nil {
			return nil
		}
	}

	uid, ok := bestMatch(cands, time.Unix(0, ev.TimeNano))
	if !ok {
		res.NoAuditMatch++
		return nil
	}
	return s.attributeImage(ctx, imageID, uid, method, res)
}

// --- phase 3 ---

func (s *Syncer) syncExistingImages(ctx context.Context, res *SyncResult) error {
	images, err := s.dkr.ListImages(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]bool)
	liveImages := make(map[string]bool)
	for _, im := range images {
		liveImages[im.ID] = true
		layers, err := s.dkr.ImageLayers(ctx, im.ID)
		if err != nil {
			s.log.Warn("layer listing failed", "image", shortID(im.ID), "error", err)
			continue
		}
		for _, l := range layers {
			live[l.Digest] = true
		}

		att, err := s.st.ImageAttribution(im.ID)
		if err != nil {
			return err
		}
		if att == nil {
			continue
		}
		for _, l := range layers {
			inserted, err := s.st.SetLayerAttribution(store.LayerAttribution{
				LayerID:   l.Digest,
				UID:       att.UID,
				UserName:  att.UserName,
				SizeBytes: l.Size,
			})
			if err != nil {
				return err
			}
			if inserted {
				res.ExistingImages++
				metrics.Attributions.WithLabelValues("layer").Inc()
			}
		}
	}

	pruned, err := s.st.ReconcileLayers(live)
	if err != nil {
		return err
	}
	res.PrunedLayers = pruned

	prunedImages, err := s.st.ReconcileImages(liveImages)
	if err != nil {
		return err
	}
	res.PrunedImages = prunedImages
	return nil
}

// --- shared helpers ---

type candidate struct {
	ts  time.Time
	uid int64
}

func (s *Syncer) auditCandidates(ctx context.Context) ([]candidate, error) {
	records, err := s.aud.Query(ctx, auditLookBack)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, r := range records {
		uid := r.Subject(s.res.UID)
		if uid < 0 || r.Time.IsZero() {
			continue
		}
		out = append(out, candidate{ts: r.Time, uid: uid})
	}
	// ausearch output order is not guaranteed; sort so tie-breaking is
	// stable.
	sort.Slice(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	return out, nil
}

// bestMatch picks the candidate closest in time to target within the
// attribution window. On an exact tie the earliest record wins, which
// the sorted candidate list makes deterministic.
func bestMatch(cands []candidate, target time.Time) (int64, bool) {
	best := int64(-1)
	bestDelta := timeWindow + 1
	for _, c := range cands {
		delta := c.ts.Sub(target)
		if delta < 0 {
			delta = -delta
		}
		if delta <= timeWindow && delta < bestDelta {
			bestDelta = delta
			best = c.uid
		}
	}
	return best, best >= 0
}

func (s *Syncer) attributeContainer(cid string, uid int64, imageID string, size int64) error {
	err := s.st.SetContainerAttribution(store.ContainerAttribution{
		ContainerID: cid,
		UserName:    s.res.DisplayName(uid),
		UID:         uid,
		ImageID:     imageID,
		SizeBytes:   size,
	})
	if err != nil {
		return err
	}
	metrics.Attributions.WithLabelValues("container").Inc()
	s.log.Info("container attributed", "container", shortID(cid), "uid", uid)
	return nil
}

// attributeImage records an image and all its layers for uid. The
// layer writes are first-writer-wins, so re-pulling someone else's
// image never steals their layers.
func (s *Syncer) attributeImage(ctx context.Context, imageID string, uid int64, method string, res *SyncResult) error {
	layers, err := s.dkr.ImageLayers(ctx, imageID)
	if err != nil {
		return err
	}
	var total int64
	for _, l := range layers {
		total += l.Size
	}
	name := s.res.DisplayName(uid)
	err = s.st.SetImageAttribution(store.ImageAttribution{
		ImageID:   imageID,
		UserName:  name,
		UID:       uid,
		SizeBytes: total,
	})
	if err != nil {
		return err
	}
	metrics.Attributions.WithLabelValues("image").Inc()
	for _, l := range layers {
		inserted, err := s.st.SetLayerAttribution(store.LayerAttribution{
			LayerID:   l.Digest,
			UID:       uid,
			UserName:  name,
			SizeBytes: l.Size,
			Method:    method,
		})
		if err != nil {
			return err
		}
		if inserted {
			metrics.Attributions.WithLabelValues("layer").Inc()
		}
	}
	res.FromEvents++
	s.log.Info("image attributed", "image", shortID(imageID), "uid", uid, "method", method)
	return nil
}

// loadWatermark returns the event-stream position, defaulting to 24
// hours back. The stored value is floating-point Unix seconds.
func (s *Syncer) loadWatermark() time.Time {
	raw, err := s.st.LoadSetting(watermarkKey)
	if err != nil || raw == "" {
		return s.clk.Now().Add(-watermarkDefault)
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return s.clk.Now().Add(-watermarkDefault)
	}
	return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
}

func (s *Syncer) writeWatermark() error {
	now := float64(s.clk.Now().UnixNano()) / 1e9
	return s.st.SaveSetting(watermarkKey, strconv.FormatFloat(now, 'f', 3, 64))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
