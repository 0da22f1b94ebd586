// Package store persists attribution rows and quota limits in bbolt.
// One bucket per table, JSON rows keyed by primary key, one transaction
// per operation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers = []byte("container_attributions")
	bucketImages     = []byte("image_attributions")
	bucketLayers     = []byte("layer_attributions")
	bucketVolumes    = []byte("volume_attributions")
	bucketLimits     = []byte("user_quota_limits")
	bucketSettings   = []byte("settings")
)

// ErrConflict means an insert hit an existing row whose owner fields
// must not be rewritten.
var ErrConflict = errors.New("attribution row already exists")

// Volume attribution sources, in precedence order.
const (
	SourceLabel     = "label"
	SourceContainer = "container"
)

// Layer creation methods.
const (
	MethodPull   = "pull"
	MethodBuild  = "build"
	MethodCommit = "commit"
	MethodImport = "import"
	MethodLoad   = "load"
)

// ContainerAttribution maps a container to the user who created it.
type ContainerAttribution struct {
	ContainerID string    `json:"container_id"`
	UserName    string    `json:"host_user_name"`
	UID         int64     `json:"uid"`
	ImageID     string    `json:"image_id,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// ImageAttribution maps an image to whoever first pulled or built it.
type ImageAttribution struct {
	ImageID   string    `json:"image_id"`
	UserName  string    `json:"puller_host_user_name"`
	UID       int64     `json:"puller_uid"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// LayerAttribution maps an image layer to its first creator. Owner
// fields are immutable once written.
type LayerAttribution struct {
	LayerID     string    `json:"layer_id"`
	UID         int64     `json:"first_puller_uid"`
	UserName    string    `json:"first_puller_host_user_name"`
	SizeBytes   int64     `json:"size_bytes"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	Method      string    `json:"creation_method,omitempty"`
}

// VolumeAttribution maps a named volume to a user. Rows survive the
// container that first mounted the volume.
type VolumeAttribution struct {
	VolumeName  string    `json:"volume_name"`
	UserName    string    `json:"host_user_name"`
	UID         int64     `json:"uid"`
	SizeBytes   int64     `json:"size_bytes"`
	Source      string    `json:"attribution_source"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketContainers, bucketImages, bucketLayers,
			bucketVolumes, bucketLimits, bucketSettings,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- containers ---

// SetContainerAttribution upserts a row. An existing row keeps its
// original CreatedAt, and keeps its ImageID when the incoming value is
// empty.
func (s *Store) SetContainerAttribution(a ContainerAttribution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if raw := b.Get([]byte(a.ContainerID)); raw != nil {
			var old ContainerAttribution
			if err := json.Unmarshal(raw, &old); err == nil {
				a.CreatedAt = old.CreatedAt
				if a.ImageID == "" {
					a.ImageID = old.ImageID
				}
			}
		} else if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		return putJSON(b, []byte(a.ContainerID), a)
	})
}

// UpdateContainerSize refreshes only the size snapshot of an existing
// row; a missing row is a no-op.
func (s *Store) UpdateContainerSize(containerID string, sizeBytes int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		raw := b.Get([]byte(containerID))
		if raw == nil {
			return nil
		}
		var a ContainerAttribution
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode container row %s: %w", containerID, err)
		}
		a.SizeBytes = sizeBytes
		return putJSON(b, []byte(containerID), a)
	})
}

// ContainerAttribution returns the row for a container, or nil.
func (s *Store) ContainerAttribution(containerID string) (*ContainerAttribution, error) {
	var out *ContainerAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContainers).Get([]byte(containerID))
		if raw == nil {
			return nil
		}
		var a ContainerAttribution
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode container row %s: %w", containerID, err)
		}
		out = &a
		return nil
	})
	return out, err
}

func (s *Store) AllContainerAttributions() ([]ContainerAttribution, error) {
	var out []ContainerAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, raw []byte) error {
			var a ContainerAttribution
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteContainerAttribution(containerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(containerID))
	})
}

// ReconcileContainers deletes rows whose container id is not in live.
// Returns the number of rows removed.
func (s *Store) ReconcileContainers(live map[string]bool) (int, error) {
	return s.reconcile(bucketContainers, live)
}

// --- images ---

// SetImageAttribution is upsert-on-first-seen: an existing row keeps its
// owner and only refreshes the size snapshot.
func (s *Store) SetImageAttribution(a ImageAttribution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if raw := b.Get([]byte(a.ImageID)); raw != nil {
			var old ImageAttribution
			if err := json.Unmarshal(raw, &old); err == nil {
				old.SizeBytes = a.SizeBytes
				return putJSON(b, []byte(a.ImageID), old)
			}
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		return putJSON(b, []byte(a.ImageID), a)
	})
}

func (s *Store) ImageAttribution(imageID string) (*ImageAttribution, error) {
	var out *ImageAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketImages).Get([]byte(imageID))
		if raw == nil {
			return nil
		}
		var a ImageAttribution
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode image row %s: %w", imageID, err)
		}
		out = &a
		return nil
	})
	return out, err
}

func (s *Store) AllImageAttributions() ([]ImageAttribution, error) {
	var out []ImageAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(_, raw []byte) error {
			var a ImageAttribution
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// ReconcileImages deletes rows for images Docker no longer has.
func (s *Store) ReconcileImages(live map[string]bool) (int, error) {
	return s.reconcile(bucketImages, live)
}

// --- layers ---

// SetLayerAttribution inserts a row unless one already exists: the
// first creator wins and later writers are silently ignored. Returns
// whether the row was inserted.
func (s *Store) SetLayerAttribution(a LayerAttribution) (bool, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayers)
		if b.Get([]byte(a.LayerID)) != nil {
			return ErrConflict
		}
		if a.FirstSeenAt.IsZero() {
			a.FirstSeenAt = time.Now().UTC()
		}
		return putJSON(b, []byte(a.LayerID), a)
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) LayerAttribution(layerID string) (*LayerAttribution, error) {
	var out *LayerAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLayers).Get([]byte(layerID))
		if raw == nil {
			return nil
		}
		var a LayerAttribution
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode layer row %s: %w", layerID, err)
		}
		out = &a
		return nil
	})
	return out, err
}

func (s *Store) AllLayerAttributions() ([]LayerAttribution, error) {
	var out []LayerAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayers).ForEach(func(_, raw []byte) error {
			var a LayerAttribution
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// ReconcileLayers deletes rows for layers no live image references.
func (s *Store) ReconcileLayers(live map[string]bool) (int, error) {
	return s.reconcile(bucketLayers, live)
}

// --- volumes ---

// SetVolumeAttribution applies source precedence: a label-sourced write
// always lands, while a container-sourced write on an existing row only
// refreshes the size. There is no reconcile for volumes; dangling
// volumes keep their owner.
func (s *Store) SetVolumeAttribution(a VolumeAttribution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		if raw := b.Get([]byte(a.VolumeName)); raw != nil {
			var old VolumeAttribution
			if err := json.Unmarshal(raw, &old); err == nil {
				if a.Source == SourceContainer {
					old.SizeBytes = a.SizeBytes
					return putJSON(b, []byte(a.VolumeName), old)
				}
				a.FirstSeenAt = old.FirstSeenAt
			}
		}
		if a.FirstSeenAt.IsZero() {
			a.FirstSeenAt = time.Now().UTC()
		}
		return putJSON(b, []byte(a.VolumeName), a)
	})
}

// UpdateVolumeSize refreshes the size snapshot of an existing row.
func (s *Store) UpdateVolumeSize(name string, sizeBytes int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		raw := b.Get([]byte(name))
		if raw == nil {
			return nil
		}
		var a VolumeAttribution
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode volume row %s: %w", name, err)
		}
		a.SizeBytes = sizeBytes
		return putJSON(b, []byte(name), a)
	})
}

func (s *Store) VolumeAttribution(name string) (*VolumeAttribution, error) {
	var out *VolumeAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVolumes).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var a VolumeAttribution
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode volume row %s: %w", name, err)
		}
		out = &a
		return nil
	})
	return out, err
}

func (s *Store) AllVolumeAttributions() ([]VolumeAttribution, error) {
	var out []VolumeAttribution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, raw []byte) error {
			var a VolumeAttribution
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteVolumeAttribution(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(name))
	})
}

// --- quota limits ---

// SetUserQuotaLimit stores a hard limit in 1024-byte blocks. Zero means
// no limit and deletes the row.
func (s *Store) SetUserQuotaLimit(uid int64, blocks int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLimits)
		key := []byte(strconv.FormatInt(uid, 10))
		if blocks <= 0 {
			return b.Delete(key)
		}
		return b.Put(key, []byte(strconv.FormatInt(blocks, 10)))
	})
}

// UserQuotaLimit returns the limit in blocks, 0 when unset.
func (s *Store) UserQuotaLimit(uid int64) (int64, error) {
	var out int64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLimits).Get([]byte(strconv.FormatInt(uid, 10)))
		if raw == nil {
			return nil
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("decode quota limit for uid %d: %w", uid, err)
		}
		out = n
		return nil
	})
	return out, err
}

// AllUserQuotaLimits returns every configured limit, keyed by uid.
func (s *Store) AllUserQuotaLimits() (map[int64]int64, error) {
	out := make(map[int64]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLimits).ForEach(func(k, v []byte) error {
			uid, err := strconv.ParseInt(string(k), 10, 64)
			if err != nil {
				return err
			}
			blocks, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return err
			}
			if blocks > 0 {
				out[uid] = blocks
			}
			return nil
		})
	})
	return out, err
}

// --- settings ---

func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting returns "" for a missing key.
func (s *Store) LoadSetting(key string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSettings).Get([]byte(key)); raw != nil {
			out = string(raw)
		}
		return nil
	})
	return out, err
}

// --- helpers ---

func (s *Store) reconcile(bucket []byte, live map[string]bool) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var dead [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if !live[string(k)] {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(dead)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
