// Package driver abstracts the container runtime behind a small interface.
// ContainerdDriver runs real containers on containerd with host networking
// and bind-mounted workspace volumes; MemoryDriver is an in-process fake for
// development and tests.
package driver
