package driver

import (
	"sync"

	"github.com/nace/ved/internal/errs"
)

// MemoryFacility attaches devices inside the current process. Attached
// devices are reachable through Open. Used for tests and for running the
// daemon on hosts without a block device driver.
type MemoryFacility struct {
	mu         sync.Mutex
	devices    map[string]BlockIO
	attachErr  error
	detachErr  error
	forced     []string
	detachCall int
}

type memoryHandle struct {
	letter string
}

func (h memoryHandle) DevicePath() string {
	return "mem:" + h.letter
}

func NewMemoryFacility() *MemoryFacility {
	return &MemoryFacility{devices: make(map[string]BlockIO)}
}

func (f *MemoryFacility) Name() string {
	return "memory"
}

// FailAttach makes subsequent Attach calls return err until reset with nil.
func (f *MemoryFacility) FailAttach(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErr = err
}

// FailDetach makes subsequent Detach calls return err until reset with nil.
func (f *MemoryFacility) FailDetach(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachErr = err
}

func (f *MemoryFacility) Attach(req AttachRequest) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.attachErr != nil {
		return nil, f.attachErr
	}
	if _, ok := f.devices[req.Letter]; ok {
		return nil, errs.New(errs.KindDriver, errs.LetterInUse, "device %s: is busy", req.Letter)
	}
	f.devices[req.Letter] = req.Device
	return memoryHandle{letter: req.Letter}, nil
}

func (f *MemoryFacility) Detach(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.detachCall++
	if f.detachErr != nil {
		return f.detachErr
	}
	mh, ok := h.(memoryHandle)
	if !ok {
		return errs.New(errs.KindDriver, errs.DetachFailed, "foreign handle %T", h)
	}
	delete(f.devices, mh.letter)
	return nil
}

// ForceDetach drops a device recorded by an earlier process.
func (f *MemoryFacility) ForceDetach(letter, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.devices, letter)
	f.forced = append(f.forced, letter+"="+device)
	return nil
}

// Open returns the device attached under letter.
func (f *MemoryFacility) Open(letter string) (BlockIO, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dev, ok := f.devices[letter]
	return dev, ok
}

// Attached is the number of attached devices.
func (f *MemoryFacility) Attached() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

// Forced lists "letter=device" for every ForceDetach call.
func (f *MemoryFacility) Forced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forced...)
}

// DetachCalls counts Detach calls, successful or not.
func (f *MemoryFacility) DetachCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detachCall
}
