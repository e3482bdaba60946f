package block

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
	"k8s.io/klog/v2"
)

// FileDevice is the default Device implementation: a single O_DIRECT file,
// sized up front, with positional pread/pwrite and an fsync on Sync IOs.
type FileDevice struct {
	mu       sync.Mutex // not taken by any method: ReadAt/WriteAt are positional calls
	file     *os.File
	pages    uint64
	pageSize uint32
	async    bool
	wg       sync.WaitGroup
}

// OpenFile opens (creating if necessary) a file-backed block device of the
// given page count and page size. If async is true, Submit hands the IO to
// a goroutine instead of executing inline; Wait still blocks until done.
func OpenFile(path string, pages uint64, pageSize uint32, async bool) (*FileDevice, error) {
	f, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	size := int64(pages) * int64(pageSize)
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("block: truncate %s to %d bytes: %w", path, size, err)
	}

	return &FileDevice{file: f, pages: pages, pageSize: pageSize, async: async}, nil
}

// AllocAligned returns an AlignSize-aligned buffer of n bytes suitable for
// use as a Segment.Buffer with O_DIRECT, via directio.AlignedBlock.
func AllocAligned(n int) []byte {
	return directio.AlignedBlock(n)
}

func (d *FileDevice) Size() uint64      { return d.pages }
func (d *FileDevice) PageSize() uint32  { return d.pageSize }
func (d *FileDevice) Close() error      { d.wg.Wait(); return d.file.Close() }

func (d *FileDevice) Submit(io *IO) {
	if d.async {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(io)
		}()
		return
	}
	d.run(io)
}

func (d *FileDevice) run(io *IO) {
	defer close(io.Done)

	if err := validate(io, d.pageSize); err != nil {
		io.Err = err
		return
	}

	for _, seg := range io.Segments {
		if len(seg.Buffer) == 0 {
			continue
		}
		var n int
		var err error
		switch io.Dir {
		case Read:
			n, err = d.file.ReadAt(seg.Buffer, seg.Offset)
		case Write:
			n, err = d.file.WriteAt(seg.Buffer, seg.Offset)
		}
		if err != nil {
			io.Err = err
			return
		}
		if n != len(seg.Buffer) {
			io.Err = fmt.Errorf("block: short transfer at offset %d: %d/%d bytes", seg.Offset, n, len(seg.Buffer))
			return
		}
	}

	if io.Sync {
		if err := d.file.Sync(); err != nil {
			io.Err = err
			klog.V(2).ErrorS(err, "block: sync failed")
		}
	}
}

func (d *FileDevice) Wait(io *IO) {
	<-io.Done
}
