package docker

// ManagedLabel marks containers created by this scheduler so listing and
// cleanup never touch containers belonging to other services.
const ManagedLabel = "gpusched.managed"

// ContainerOptions configures container creation.
type ContainerOptions struct {
	Env        []string
	Cmd        []string
	Ports      map[string]string
	Volumes    map[string]string
	Labels     map[string]string
	WorkingDir string
	GPU        bool
	Memory     string // e.g., "4g", "512m"
	CPU        string // e.g., "2.0"
}

// PortConflict describes a container already publishing a host port.
type PortConflict struct {
	ContainerID string
	Name        string
	Image       string
	// IsManaged is true when the container carries the scheduler's label,
	// meaning it is safe to remove.
	IsManaged bool
}
