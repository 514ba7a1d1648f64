package source

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stddef.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

// Layout shared with the vendor capture daemon. The daemon writes BGR24
// frames round-robin and posts the semaphore after each slot.
#define RING_SLOTS 8
#define MAX_FRAME_BYTES (1920 * 1080 * 3)

typedef struct {
    uint64_t frame_number;
    struct timespec captured_at;
    int32_t width;
    int32_t height;
    size_t data_size;
    uint8_t data[MAX_FRAME_BYTES];
} RingFrame;

typedef struct {
    volatile uint32_t write_index;
    uint8_t new_frame_sem[32];  // sem_t, 32 bytes on Linux
    RingFrame frames[RING_SLOTS];
} FrameRing;

// O_RDWR and PROT_WRITE because sem_wait mutates the semaphore.
static FrameRing* ring_open(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    FrameRing* ring = (FrameRing*)mmap(NULL, sizeof(FrameRing),
        PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (ring == MAP_FAILED) {
        return NULL;
    }
    return ring;
}

// Returns 0 on a new frame, negative errno otherwise (-ETIMEDOUT on timeout).
static int ring_wait(FrameRing* ring, int timeout_ms) {
    if (ring == NULL) {
        return -EINVAL;
    }
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }
    if (sem_timedwait((sem_t*)&ring->new_frame_sem, &ts) != 0) {
        return -errno;
    }
    return 0;
}

static uint32_t ring_write_index(FrameRing* ring) {
    return ring->write_index;
}

// Copies header plus payload only, not the whole slot.
static int ring_copy(FrameRing* ring, uint32_t index, RingFrame* out) {
    if (index >= RING_SLOTS) {
        return -1;
    }
    RingFrame* src = &ring->frames[index];
    size_t n = src->data_size;
    if (n > MAX_FRAME_BYTES) {
        return -1;
    }
    memcpy(out, src, offsetof(RingFrame, data));
    memcpy(out->data, src->data, n);
    return 0;
}

static void ring_close(FrameRing* ring) {
    if (ring != NULL) {
        munmap((void*)ring, sizeof(FrameRing));
    }
}
*/
import "C"
import (
	"fmt"
	"time"
	"unsafe"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/pkg/types"
)

const (
	defaultRingName = "/atlas_camera_ring"
	ringSlots       = 8

	errnoEINTR     = 4
	errnoETIMEDOUT = 110
)

// ModuleSource reads frames the vendor CSI capture daemon publishes through
// a POSIX shared memory ring. Always-latest: when multiple slots were
// written since the last read, only the newest is returned.
type ModuleSource struct {
	ring    *C.FrameRing
	scratch *C.RingFrame
	name    string
}

// NewModule attaches to the capture daemon's ring, waiting up to 30 seconds
// for it to appear since the daemon may still be starting.
func NewModule(cfg config.CameraConfig) (*ModuleSource, error) {
	name := cfg.ShmName
	if name == "" {
		name = defaultRingName
	}

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var ring *C.FrameRing
	for i := 0; i < 30; i++ {
		ring = C.ring_open(cName)
		if ring != nil {
			break
		}
		if i%5 == 0 {
			logger.Info("source", "waiting for camera ring %s (%d/30)", name, i+1)
		}
		time.Sleep(time.Second)
	}
	if ring == nil {
		return nil, fmt.Errorf("camera ring %s not available after 30s", name)
	}

	logger.Info("source", "attached to camera ring %s", name)
	return &ModuleSource{
		ring:    ring,
		scratch: (*C.RingFrame)(C.malloc(C.sizeof_RingFrame)),
		name:    name,
	}, nil
}

// Next waits up to timeout for the daemon to post a frame, then copies the
// newest slot out. (nil, nil) means nothing arrived in time or the wait was
// interrupted.
func (s *ModuleSource) Next(timeout time.Duration) (*types.Frame, error) {
	if s.ring == nil {
		return nil, fmt.Errorf("camera ring %s not open", s.name)
	}

	switch rc := int(C.ring_wait(s.ring, C.int(timeout.Milliseconds()))); -rc {
	case 0:
	case errnoETIMEDOUT, errnoEINTR:
		return nil, nil
	default:
		return nil, fmt.Errorf("camera ring %s wait failed (errno %d)", s.name, -rc)
	}

	writeIndex := uint32(C.ring_write_index(s.ring))
	if writeIndex == 0 {
		return nil, nil
	}
	slot := (writeIndex - 1) % ringSlots

	if C.ring_copy(s.ring, C.uint32_t(slot), s.scratch) != 0 {
		return nil, fmt.Errorf("camera ring %s slot %d unreadable", s.name, slot)
	}
	return s.convert()
}

func (s *ModuleSource) convert() (*types.Frame, error) {
	width := int(s.scratch.width)
	height := int(s.scratch.height)
	size := int(s.scratch.data_size)
	if width <= 0 || height <= 0 || size != width*height*3 {
		return nil, fmt.Errorf("camera ring %s frame malformed (%dx%d, %d bytes)",
			s.name, width, height, size)
	}

	data := make([]byte, size)
	cData := (*[C.MAX_FRAME_BYTES]byte)(unsafe.Pointer(&s.scratch.data[0]))[:size:size]
	copy(data, cData)

	return &types.Frame{
		ID:     uint64(s.scratch.frame_number),
		Data:   data,
		Width:  width,
		Height: height,
		CapturedAt: time.Unix(
			int64(s.scratch.captured_at.tv_sec),
			int64(s.scratch.captured_at.tv_nsec),
		),
	}, nil
}

// Close detaches from the ring. The daemon owns the shared memory object
// itself.
func (s *ModuleSource) Close() error {
	if s.ring != nil {
		C.ring_close(s.ring)
		s.ring = nil
	}
	if s.scratch != nil {
		C.free(unsafe.Pointer(s.scratch))
		s.scratch = nil
	}
	return nil
}
