package fs

import (
	"errors"
	"os"
	"syscall"

	"github.com/ncw/directio"
)

// DirectIO writes whole files with unbuffered, block-aligned I/O where the
// file system supports O_DIRECT.
type DirectIO interface {
	// Open opens a file with the given name and flags using direct I/O when possible.
	Open(filename string, flag int, permission os.FileMode) (*os.File, bool, error)
	// AlignedBlock returns a zeroed buffer of at least size bytes, a multiple of BlockSize.
	AlignedBlock(size int) []byte
}

const (
	// blockSize is the alignment size required by the direct I/O implementation.
	blockSize = directio.BlockSize
)

type directIO struct{}

// NewDirectIO returns a DirectIO implementation backed by github.com/ncw/directio.
func NewDirectIO() DirectIO {
	return directIO{}
}

// Open returns whether the file was opened with O_DIRECT. File systems
// refusing it (tmpfs, some overlay mounts) get a regular file the caller
// must Sync.
func (directIO) Open(filename string, flag int, permission os.FileMode) (*os.File, bool, error) {
	f, err := directio.OpenFile(filename, flag, permission)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, syscall.EINVAL) {
		return nil, false, err
	}
	f, err = os.OpenFile(filename, flag, permission)
	return f, false, err
}

func (directIO) AlignedBlock(size int) []byte {
	n := (size + blockSize - 1) / blockSize * blockSize
	if n == 0 {
		n = blockSize
	}
	return directio.AlignedBlock(n)
}
