package tuner

// SystemResources describes the host the daemon runs on.
type SystemResources struct {
	// CPUCores is the number of logical CPUs.
	CPUCores int

	// TotalRAM is the total physical memory in bytes.
	TotalRAM int64

	// AvailableRAM is the memory in bytes that can be used for buffers.
	AvailableRAM int64
}
