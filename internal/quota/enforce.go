package quota

import (
	"context"
	"sort"

	"github.com/qman-project/qman-slave/internal/callback"
	"github.com/qman-project/qman-slave/internal/metrics"
)

type victim struct {
	id      string
	size    int64
	created int64
}

// Enforce removes containers of users over their hard limit until each
// user is back under it. Containers of one user are removed strictly
// sequentially, with usage recomputed before every removal so each step
// observes the previous one. All events are posted in a single batch.
func (e *Engine) Enforce(ctx context.Context) (EnforceResult, error) {
	limits, err := e.st.AllUserQuotaLimits()
	if err != nil {
		metrics.EnforcementRuns.WithLabelValues("error").Inc()
		return EnforceResult{}, err
	}
	if len(limits) == 0 {
		metrics.EnforcementRuns.WithLabelValues("ok").Inc()
		return EnforceResult{}, nil
	}

	byUID, _, _, err := e.Aggregate(ctx)
	if err != nil {
		metrics.EnforcementRuns.WithLabelValues("error").Inc()
		return EnforceResult{}, err
	}
	victims, err := e.victimsByUID(ctx)
	if err != nil {
		metrics.EnforcementRuns.WithLabelValues("error").Inc()
		return EnforceResult{}, err
	}

	var events []callback.Event
	totalRemoved := 0
	for uid, blocks := range limits {
		if blocks <= 0 {
			continue
		}
		limitBytes := blocks * 1024
		if byUID[uid] <= limitBytes {
			continue
		}

		name := e.res.DisplayName(uid)
		metrics.QuotaExceeded.Inc()
		events = append(events, callback.Event{
			HostUserName: name,
			EventType:    callback.EventQuotaExceeded,
			Detail: map[string]any{
				"uid":              uid,
				"block_current":    byUID[uid],
				"block_hard_limit": blocks,
			},
		})
		e.log.Warn("user over docker quota",
			"uid", uid, "used", byUID[uid], "limit_bytes", limitBytes)

		var removed []string
		for _, v := range victims[uid] {
			current, _, _, err := e.Aggregate(ctx)
			if err != nil {
				e.log.Error("usage recompute failed, stopping enforcement for user",
					"uid", uid, "error", err)
				break
			}
			if current[uid] <= limitBytes {
				break
			}

			e.log.Info("removing container over quota",
				"container", shortID(v.id), "uid", uid,
				"container_size", v.size, "total_usage", current[uid])
			if err := e.dkr.StopAndRemove(ctx, v.id, stopGraceSeconds); err != nil {
				e.log.Error("container removal failed", "container", shortID(v.id), "error", err)
				continue
			}
			if err := e.st.DeleteContainerAttribution(v.id); err != nil {
				e.log.Error("attribution delete failed", "container", shortID(v.id), "error", err)
			}

			after, _, _, err := e.Aggregate(ctx)
			newUsage := int64(0)
			if err == nil {
				newUsage = after[uid]
			}
			totalRemoved++
			removed = append(removed, v.id)
			metrics.ContainersRemoved.Inc()
			events = append(events, callback.Event{
				HostUserName: name,
				EventType:    callback.EventContainerRemoved,
				Detail: map[string]any{
					"container_id": shortID(v.id),
					"size_bytes":   v.size,
					"new_usage":    newUsage,
				},
			})
		}
		if len(removed) > 0 {
			events[len(events)-1].Detail["removed_ids"] = removed
		}
	}

	if len(events) > 0 {
		if err := e.notify.PostEvents(ctx, events); err != nil {
			e.log.Warn("event post to master failed", "error", err)
		}
	}
	metrics.EnforcementRuns.WithLabelValues("ok").Inc()
	return EnforceResult{Enforced: totalRemoved, Events: len(events)}, nil
}

// victimsByUID maps each uid to its attributed containers sorted by the
// configured removal policy.
func (e *Engine) victimsByUID(ctx context.Context) (map[int64][]victim, error) {
	usage, err := e.dkr.DiskUsage(ctx)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int64, len(usage.Containers))
	created := make(map[string]int64, len(usage.Containers))
	for _, ct := range usage.Containers {
		sizes[ct.ID] = ct.SizeRw
		created[ct.ID] = ct.Created
	}

	atts, err := e.st.AllContainerAttributions()
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]victim)
	for _, att := range atts {
		uid := att.UID
		if uid < 0 {
			resolved, err := e.res.UID(att.UserName)
			if err != nil {
				continue
			}
			uid = resolved
		}
		out[uid] = append(out[uid], victim{
			id:      att.ContainerID,
			size:    sizes[att.ContainerID],
			created: created[att.ContainerID],
		})
	}

	for uid := range out {
		vs := out[uid]
		switch e.order {
		case "oldest_first":
			sort.Slice(vs, func(i, j int) bool { return vs[i].created < vs[j].created })
		case "largest_first":
			sort.Slice(vs, func(i, j int) bool { return vs[i].size > vs[j].size })
		default: // newest_first
			sort.Slice(vs, func(i, j int) bool { return vs[i].created > vs[j].created })
		}
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
