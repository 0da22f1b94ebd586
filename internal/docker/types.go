package docker

// Container is the subset of container state the quota engine works with.
type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	ImageID string            `json:"image_id"`
	Created int64             `json:"created"` // unix seconds
	SizeRw  int64             `json:"size_rw"`
	State   string            `json:"state"`
	Labels  map[string]string `json:"labels,omitempty"`
	Volumes []string          `json:"volumes,omitempty"` // names of named volumes mounted
}

// Image describes an image and its layer chain, oldest layer first.
type Image struct {
	ID         string            `json:"id"`
	Tags       []string          `json:"tags,omitempty"`
	Created    int64             `json:"created"`
	Size       int64             `json:"size"`
	SharedSize int64             `json:"shared_size"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Layer is one entry of an image's RootFS chain with its incremental size.
type Layer struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Volume describes a named volume. Size is -1 when the daemon did not
// report usage data.
type Volume struct {
	Name     string            `json:"name"`
	Labels   map[string]string `json:"labels,omitempty"`
	Size     int64             `json:"size"`
	RefCount int64             `json:"ref_count"`
}

// Event is a daemon lifecycle event relevant to attribution.
type Event struct {
	Type       string            `json:"type"`
	Action     string            `json:"action"`
	ActorID    string            `json:"actor_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	TimeNano   int64             `json:"time_nano"`
}

// Usage is a point-in-time disk usage snapshot from the daemon.
type Usage struct {
	Containers []Container
	Images     []Image
	Volumes    []Volume
	LayersSize int64
}
