// Package quota aggregates attributed Docker disk usage per user,
// exposes it as a synthetic quota device, and removes containers of
// users over their limit.
package quota

import (
	"context"
	"math"
	"sort"

	"github.com/qman-project/qman-slave/internal/callback"
	"github.com/qman-project/qman-slave/internal/config"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/metrics"
	"github.com/qman-project/qman-slave/internal/store"
	"github.com/qman-project/qman-slave/internal/users"
)

const stopGraceSeconds = 60

type dockerAPI interface {
	ListContainers(ctx context.Context) ([]docker.Container, error)
	DiskUsage(ctx context.Context) (docker.Usage, error)
	DataRoot(ctx context.Context) (string, error)
	StopAndRemove(ctx context.Context, id string, graceSeconds int) error
}

type notifier interface {
	PostEvents(ctx context.Context, events []callback.Event) error
}

// UserQuota is one user's entry on the synthetic device. Docker has no
// inode or grace-time accounting, so those fields are always zero; the
// soft limit mirrors the hard limit.
type UserQuota struct {
	UID            int64  `json:"uid"`
	Name           string `json:"name"`
	BlockHardLimit int64  `json:"block_hard_limit"`
	BlockSoftLimit int64  `json:"block_soft_limit"`
	BlockCurrent   int64  `json:"block_current"`
	InodeHardLimit int64  `json:"inode_hard_limit"`
	InodeSoftLimit int64  `json:"inode_soft_limit"`
	InodeCurrent   int64  `json:"inode_current"`
	BlockTimeLimit int64  `json:"block_time_limit"`
	InodeTimeLimit int64  `json:"inode_time_limit"`
}

// DeviceUsage mirrors the usage block of a physical device report.
type DeviceUsage struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Free    int64   `json:"free"`
	Percent float64 `json:"percent"`
}

// Device is the synthetic docker device reported to the coordinator in
// the same shape as physical quota devices.
type Device struct {
	Name              string      `json:"name"`
	MountPoints       []string    `json:"mount_points"`
	Fstype            string      `json:"fstype"`
	Opts              []string    `json:"opts"`
	Usage             DeviceUsage `json:"usage"`
	UserQuotaFormat   string      `json:"user_quota_format"`
	UserQuotas        []UserQuota `json:"user_quotas"`
	UnattributedUsage int64       `json:"unattributed_usage,omitempty"`
}

// EnforceResult summarises one enforcement pass.
type EnforceResult struct {
	Enforced int `json:"enforced"`
	Events   int `json:"events"`
}

// Engine computes usage and enforces limits.
type Engine struct {
	dkr    dockerAPI
	st     *store.Store
	res    *users.Resolver
	notify notifier
	log    *logging.Logger

	dataRoot string
	reserved int64
	order    string
}

func NewEngine(dkr dockerAPI, st *store.Store, res *users.Resolver, notify notifier, log *logging.Logger, cfg *config.Config) *Engine {
	return &Engine{
		dkr:      dkr,
		st:       st,
		res:      res,
		notify:   notify,
		log:      log,
		dataRoot: cfg.DockerDataRoot,
		reserved: cfg.ReservedBytes,
		order:    cfg.EnforcementOrder,
	}
}

// Aggregate computes per-uid usage from attributed container writable
// layers plus attributed image layers. Image sizes from the daemon
// include shared layers, so totalUsed over-counts deliberately: the
// derived unattributed figure then covers orphan layer storage
// conservatively and never goes negative.
func (e *Engine) Aggregate(ctx context.Context) (byUID map[int64]int64, totalUsed, unattributed int64, err error) {
	usage, err := e.dkr.DiskUsage(ctx)
	if err != nil {
		return nil, 0, 0, err
	}

	containerSizes := make(map[string]int64, len(usage.Containers))
	var totalContainer int64
	for _, ct := range usage.Containers {
		containerSizes[ct.ID] = ct.SizeRw
		totalContainer += ct.SizeRw
	}
	var totalImage int64
	for _, im := range usage.Images {
		totalImage += im.Size
	}

	byUID = make(map[int64]int64)
	atts, err := e.st.AllContainerAttributions()
	if err != nil {
		return nil, 0, 0, err
	}
	for _, att := range atts {
		uid := att.UID
		if uid < 0 {
			resolved, err := e.res.UID(att.UserName)
			if err != nil {
				continue
			}
			uid = resolved
		}
		byUID[uid] += containerSizes[att.ContainerID]
	}

	layers, err := e.st.AllLayerAttributions()
	if err != nil {
		return nil, 0, 0, err
	}
	for _, l := range layers {
		if l.UID >= 0 {
			byUID[l.UID] += l.SizeBytes
		}
	}

	totalUsed = totalContainer + totalImage
	var attributed int64
	for _, v := range byUID {
		attributed += v
	}
	if unattributed = totalUsed - attributed; unattributed < 0 {
		unattributed = 0
	}
	return byUID, totalUsed, unattributed, nil
}

// Device builds the synthetic docker device report. Before aggregating
// it backfills label-owned containers that slipped past the
// synchroniser and prunes attribution rows for containers Docker no
// longer has.
func (e *Engine) Device(ctx context.Context) (*Device, error) {
	if err := e.backfillAndReconcile(ctx); err != nil {
		return nil, err
	}

	byUID, _, unattributed, err := e.Aggregate(ctx)
	if err != nil {
		return nil, err
	}
	limits, err := e.st.AllUserQuotaLimits()
	if err != nil {
		return nil, err
	}

	uids := make(map[int64]bool)
	for uid := range byUID {
		uids[uid] = true
	}
	for uid := range limits {
		uids[uid] = true
	}
	quotas := make([]UserQuota, 0, len(uids))
	for uid := range uids {
		quotas = append(quotas, e.userEntry(uid, limits[uid], byUID[uid]))
	}
	sort.Slice(quotas, func(i, j int) bool { return quotas[i].UID < quotas[j].UID })

	var attributed int64
	for _, v := range byUID {
		attributed += v
	}
	var total int64
	if e.reserved > 0 {
		total = e.reserved
	} else {
		for _, blocks := range limits {
			total += blocks * 1024
		}
		total += unattributed
		if total < 1 {
			total = 1
		}
	}
	free := total - attributed - unattributed
	if free < 0 {
		free = 0
	}
	percent := math.Round(float64(total-free)/float64(total)*1000) / 10

	root := e.dataRoot
	if root == "" {
		if root, err = e.dkr.DataRoot(ctx); err != nil {
			e.log.Warn("could not resolve docker data root", "error", err)
			root = "/var/lib/docker"
		}
	}

	return &Device{
		Name:              "docker",
		MountPoints:       []string{root},
		Fstype:            "docker",
		Opts:              []string{"docker"},
		Usage:             DeviceUsage{Used: attributed, Total: total, Free: free, Percent: percent},
		UserQuotaFormat:   "docker",
		UserQuotas:        quotas,
		UnattributedUsage: unattributed,
	}, nil
}

// DeviceForUID returns the device report with user_quotas filtered to
// one user, or nil when that user has neither usage nor a limit. The
// device-level figures stay host-wide so the caller sees the same
// totals as the full report.
func (e *Engine) DeviceForUID(ctx context.Context, uid int64) (*Device, error) {
	dev, err := e.Device(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range dev.UserQuotas {
		if q.UID == uid {
			dev.UserQuotas = []UserQuota{q}
			return dev, nil
		}
	}
	return nil, nil
}

// SetUserQuota upserts a limit (1024-byte blocks) and returns the fresh
// entry.
func (e *Engine) SetUserQuota(ctx context.Context, uid int64, blocks int64) (*UserQuota, error) {
	if err := e.st.SetUserQuotaLimit(uid, blocks); err != nil {
		return nil, err
	}
	byUID, _, _, err := e.Aggregate(ctx)
	if err != nil {
		return nil, err
	}
	entry := e.userEntry(uid, blocks, byUID[uid])
	return &entry, nil
}

func (e *Engine) userEntry(uid, limitBlocks, usedBytes int64) UserQuota {
	return UserQuota{
		UID:            uid,
		Name:           e.res.DisplayName(uid),
		BlockHardLimit: limitBlocks,
		BlockSoftLimit: limitBlocks,
		BlockCurrent:   usedBytes,
	}
}

func (e *Engine) backfillAndReconcile(ctx context.Context) error {
	containers, err := e.dkr.ListContainers(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(containers))
	for _, ct := range containers {
		live[ct.ID] = true
		label, ok := ct.Labels[users.OwnerLabel]
		if !ok {
			continue
		}
		att, err := e.st.ContainerAttribution(ct.ID)
		if err != nil {
			return err
		}
		if att != nil {
			continue
		}
		uid, err := e.res.ParseOwnerLabel(label)
		if err != nil {
			continue
		}
		err = e.st.SetContainerAttribution(store.ContainerAttribution{
			ContainerID: ct.ID,
			UserName:    e.res.DisplayName(uid),
			UID:         uid,
			ImageID:     ct.ImageID,
			SizeBytes:   ct.SizeRw,
		})
		if err != nil {
			return err
		}
		metrics.Attributions.WithLabelValues("container").Inc()
	}
	removed, err := e.st.ReconcileContainers(live)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.log.Debug("pruned container attributions", "count", removed)
	}
	return nil
}
