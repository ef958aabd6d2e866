package ethmac

import "errors"

var (
	// ErrNoDescriptors is returned when a free list runs dry.
	// Nothing was consumed, the call may be retried later.
	ErrNoDescriptors = errors.New("no free descriptors")

	// ErrNoPacket is returned when no matching packet exists.
	ErrNoPacket = errors.New("no packet")

	// ErrPacketQueued is returned when a matching packet exists but hardware
	// is not done with it yet.
	ErrPacketQueued = errors.New("packet queued")

	ErrUserSpaceAddress  = errors.New("buffer outside the DMA windows")
	ErrRxPacketSplit     = errors.New("received packet spans more buffers than provided")
	ErrHardwareStuck     = errors.New("hardware stuck busy")
	ErrInvalidBuffer     = errors.New("buffer length must be in [1, 2047]")
	ErrInvalidDirection  = errors.New("invalid direction")
	ErrInvalidBufferSize = errors.New("rx buffer size must be a multiple of 16 in [16, 2032]")
	ErrNoAllocator       = errors.New("allocator is nil")

	ErrTableIsNil     = errors.New("Table is nil")
	ErrRegistersIsNil = errors.New("Registers is nil")
	ErrMemoryIsNil    = errors.New("Memory is nil")

	ErrBusyTimeoutInvalid  = errors.New("BusyTimeout must be >= 0")
	ErrPollIntervalInvalid = errors.New("PollInterval must be >= 0")
)
